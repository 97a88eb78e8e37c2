// Copyright (C) 2024 The Mediamover Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package templates resolves the destination subfolder for a file from the
// configured rule set. Rules are tried in ascending priority order and the
// first match wins; a file matching no rule lands in the default category.
package templates

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/mediamover/mediamover/lib/config"
)

type rule struct {
	folder   string
	priority int
	glob     glob.Glob
	re       *regexp.Regexp
}

func (r *rule) match(name string) bool {
	if r.re != nil {
		return r.re.MatchString(name)
	}
	return r.glob.Match(name)
}

// A Resolver maps filenames to destination subfolders.
type Resolver struct {
	rules           []rule
	defaultCategory string
	dateExpr        sliceExpr
}

// NewResolver compiles the configured rules. A rule whose pattern does not
// compile is an error; an invalid date expression falls back to the whole
// filename.
func NewResolver(rules []config.TemplateRule, defaultCategory, dateExpression string) (*Resolver, error) {
	r := &Resolver{
		defaultCategory: defaultCategory,
	}

	expr, err := parseSliceExpr(dateExpression)
	if err != nil {
		l.Warnf("Invalid date expression %q: %v; using the full filename", dateExpression, err)
		expr = sliceExpr{end: -1}
	}
	r.dateExpr = expr

	for _, tr := range rules {
		cr := rule{folder: tr.Folder, priority: tr.Priority}
		if tr.IsRegex {
			re, err := regexp.Compile(tr.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule pattern %q: %w", tr.Pattern, err)
			}
			cr.re = re
		} else {
			g, err := glob.Compile(tr.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule pattern %q: %w", tr.Pattern, err)
			}
			cr.glob = g
		}
		r.rules = append(r.rules, cr)
	}

	sort.SliceStable(r.rules, func(a, b int) bool {
		return r.rules[a].priority < r.rules[b].priority
	})

	return r, nil
}

// Resolve returns the destination subfolder for the given source path,
// relative to the destination root.
func (r *Resolver) Resolve(srcPath string) string {
	name := filepath.Base(srcPath)

	for i := range r.rules {
		if r.rules[i].match(name) {
			folder := r.expand(r.rules[i].folder, name)
			l.Debugf("resolved %s -> %s", name, folder)
			return folder
		}
	}
	return r.expand(r.defaultCategory, name)
}

func (r *Resolver) expand(template, name string) string {
	noExt := strings.TrimSuffix(name, filepath.Ext(name))
	out := strings.ReplaceAll(template, "{filename}", name)
	out = strings.ReplaceAll(out, "{name_no_ext}", noExt)
	out = strings.ReplaceAll(out, "{date}", r.dateExpr.apply(noExt))
	return out
}

// sliceExpr is a substring of the filename, "filename[start:end]" style. A
// negative end means the rest of the name.
type sliceExpr struct {
	start, end int
}

var sliceExprRe = regexp.MustCompile(`^filename\[(\d*):(\d*)\]$`)

func parseSliceExpr(s string) (sliceExpr, error) {
	if s == "" || s == "filename" {
		return sliceExpr{end: -1}, nil
	}
	m := sliceExprRe.FindStringSubmatch(s)
	if m == nil {
		return sliceExpr{}, fmt.Errorf("expected filename[start:end], got %q", s)
	}
	expr := sliceExpr{end: -1}
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return sliceExpr{}, err
		}
		expr.start = n
	}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return sliceExpr{}, err
		}
		expr.end = n
	}
	if expr.end >= 0 && expr.end < expr.start {
		return sliceExpr{}, fmt.Errorf("end before start in %q", s)
	}
	return expr, nil
}

// apply slices the name, clamping out of range bounds rather than erroring;
// filenames shorter than the expression simply yield what is there.
func (e sliceExpr) apply(name string) string {
	start, end := e.start, e.end
	if start > len(name) {
		start = len(name)
	}
	if end < 0 || end > len(name) {
		end = len(name)
	}
	if end < start {
		end = start
	}
	return name[start:end]
}

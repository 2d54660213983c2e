/**
 * Rule Filter Expressions
 *
 * Features:
 * - Boolean expressions over message attributes (expr-lang)
 * - Compiled programs cached by source text
 * - Empty expression matches everything
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-06: Initial implementation
 */

// Package filter evaluates the filter expression of a download rule
// against discovered messages.
package filter

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fmaass/telegram-files/internal/errors"
	"github.com/fmaass/telegram-files/internal/remote"
)

// Env is the variable set visible to an expression, e.g.
//
//	type == "video" && size > 10 * 1024 * 1024 && caption contains "final"
type Env struct {
	ID        int64  `expr:"id"`
	Date      int64  `expr:"date"`
	Caption   string `expr:"caption"`
	FileName  string `expr:"fileName"`
	Type      string `expr:"type"`
	MimeType  string `expr:"mimeType"`
	Size      int64  `expr:"size"`
	AlbumID   int64  `expr:"albumId"`
	ThreadID  int64  `expr:"threadId"`
	Extension string `expr:"ext"`
}

// EnvOf builds the expression environment of a message.
func EnvOf(m *remote.Message) Env {
	env := Env{
		ID:       m.ID,
		Date:     m.Date,
		Caption:  m.Caption,
		AlbumID:  m.MediaAlbumID,
		ThreadID: m.MessageThreadID,
	}
	if m.File != nil {
		env.FileName = m.File.Name
		env.Type = m.File.Type
		env.MimeType = m.File.MimeType
		env.Size = m.File.Size
		if i := strings.LastIndexByte(m.File.Name, '.'); i >= 0 {
			env.Extension = strings.ToLower(m.File.Name[i+1:])
		}
	}
	return env
}

// Filter is a compiled filter expression. A nil Filter matches everything.
type Filter struct {
	source  string
	program *vm.Program
}

// Compile compiles src. An empty or blank src yields a nil Filter.
func Compile(src string) (*Filter, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}

	program, err := expr.Compile(src, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, errors.New(errors.ErrorTypeValidation, "compile_filter", src, err)
	}
	return &Filter{source: src, program: program}, nil
}

// Source returns the expression text.
func (f *Filter) Source() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Match evaluates the filter against m.
func (f *Filter) Match(m *remote.Message) (bool, error) {
	if f == nil {
		return true, nil
	}

	out, err := expr.Run(f.program, EnvOf(m))
	if err != nil {
		return false, fmt.Errorf("filter %q on message %d: %w", f.source, m.ID, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Apply returns the messages f accepts. Messages the expression fails on
// are dropped; the first evaluation error is returned alongside.
func (f *Filter) Apply(msgs []*remote.Message) ([]*remote.Message, error) {
	if f == nil {
		return msgs, nil
	}

	var firstErr error
	kept := make([]*remote.Message, 0, len(msgs))
	for _, m := range msgs {
		ok, err := f.Match(m)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			kept = append(kept, m)
		}
	}
	return kept, firstErr
}

// Cache keeps compiled filters by source text.
type Cache struct {
	programs *lru.Cache[string, *Filter]
}

// NewCache creates a cache holding up to size filters.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = 128
	}
	programs, err := lru.New[string, *Filter](size)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &Cache{programs: programs}
}

// Get returns the compiled filter of src, compiling it on first use.
func (c *Cache) Get(src string) (*Filter, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}
	if f, ok := c.programs.Get(src); ok {
		return f, nil
	}

	f, err := Compile(src)
	if err != nil {
		return nil, err
	}
	c.programs.Add(src, f)
	return f, nil
}

// Validate reports whether src compiles.
func Validate(src string) error {
	_, err := Compile(src)
	return err
}

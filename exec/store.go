// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// ReadLines calls fn for every line of the file at path, numbering
// lines from 0. Trailing carriage returns are stripped. Paths are
// interpreted by package file, so that any registered implementation
// (e.g., s3) may be used.
func ReadLines(ctx context.Context, path string, fn func(lineno int, line string) error) (err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(ctx); err == nil {
			err = closeErr
		}
	}()
	scan := bufio.NewScanner(f.Reader(ctx))
	scan.Buffer(nil, 1<<30)
	var lineno int
	for scan.Scan() {
		if err := fn(lineno, strings.TrimSuffix(scan.Text(), "\r")); err != nil {
			return err
		}
		lineno++
	}
	if err := scan.Err(); err != nil {
		return errors.E(fmt.Sprintf("reading %s", path), err)
	}
	return nil
}

// LineWriter writes lines to a file. It implements Sink.
type LineWriter struct {
	ctx   context.Context
	file  file.File
	w     *bufio.Writer
	lines int64
}

// CreateLines creates (or truncates) the file at path and returns a
// LineWriter for it. The file is committed by Close.
func CreateLines(ctx context.Context, path string) (*LineWriter, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	return &LineWriter{ctx: ctx, file: f, w: bufio.NewWriter(f.Writer(ctx))}, nil
}

// Append writes a line.
func (w *LineWriter) Append(line string) error {
	w.lines++
	if _, err := w.w.WriteString(line); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Lines returns the number of lines appended.
func (w *LineWriter) Lines() int64 { return w.lines }

// Close flushes and commits the file.
func (w *LineWriter) Close() error {
	err := w.w.Flush()
	if closeErr := w.file.Close(w.ctx); err == nil {
		err = closeErr
	}
	return err
}

// Discard abandons the file: it is not committed.
func (w *LineWriter) Discard() error {
	w.file.Discard(w.ctx)
	return nil
}

// ShardPath returns the path of the output of the given rank.
func ShardPath(prefix string, rank, size int) string {
	return fmt.Sprintf("%s-%04d-of-%04d", prefix, rank, size)
}

// CheckOutput returns an error of kind errors.Exists if any of the
// outputs for the given prefix and number of ranks already exists.
func CheckOutput(ctx context.Context, prefix string, size int) error {
	for rank := 0; rank < size; rank++ {
		path := ShardPath(prefix, rank, size)
		_, err := file.Stat(ctx, path)
		switch {
		case err == nil:
			return errors.E(errors.Exists, fmt.Sprintf("output %s already exists", path))
		case errors.Is(errors.NotExist, err):
		default:
			return err
		}
	}
	return nil
}

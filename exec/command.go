// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"os"
	"strings"
)

// command returns the process's command line, quoted so that it can
// be pasted into sh.
func command() string {
	var b strings.Builder
	for i, arg := range os.Args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(shellQuote(arg))
	}
	return b.String()
}

// shellQuote single-quotes s. Embedded single quotes close the quoted
// string, appear escaped, and reopen it.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// progress displays a progress bar counting the operations done. It is safe for concurrent use.
type progress struct {
	bar     *progressbar.ProgressBar
	termenv *termenv.Output
}

func newProgress(total int64) *progress {
	p := &progress{termenv: termenv.NewOutput(os.Stdout)}
	p.termenv.HideCursor()
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("ops"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stdout),
	)
	return p
}

func (p *progress) add(amount int) {
	_ = p.bar.Add(amount)
}

func (p *progress) done() {
	_ = p.bar.Finish()
	p.termenv.ShowCursor()
	fmt.Println()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the carechat CLI.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Palette: calm teals with a warm accent for the patient's own turns
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // assistant label
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorCoral       = lipgloss.Color("#F08A5D") // patient label
	ColorSlate       = lipgloss.Color("#5C7A84") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	Streaming      lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	UserLabel:      lipgloss.NewStyle().Bold(true).Foreground(ColorCoral),
	AssistantLabel: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),
	Streaming:      lipgloss.NewStyle().Italic(true).Foreground(ColorSlate),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// Out and ErrOut are where the print helpers write. Tests replace them.
var (
	Out    io.Writer = os.Stdout
	ErrOut io.Writer = os.Stderr
)

// Title prints a styled title
func Title(text string) {
	if GetPersonality() == PersonalityMachine {
		return
	}
	fmt.Fprintln(Out, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func Success(text string) {
	switch GetPersonality() {
	case PersonalityMachine:
		fmt.Fprintf(Out, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(Out, "%s %s\n", IconSuccess, text)
	default:
		fmt.Fprintf(Out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func Warning(text string) {
	switch GetPersonality() {
	case PersonalityMachine:
		fmt.Fprintf(ErrOut, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(ErrOut, "%s %s\n", IconWarning, text)
	default:
		fmt.Fprintf(ErrOut, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func Error(text string) {
	switch GetPersonality() {
	case PersonalityMachine:
		fmt.Fprintf(ErrOut, "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(ErrOut, "%s %s\n", IconError, text)
	default:
		fmt.Fprintf(ErrOut, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational message
func Info(text string) {
	if GetPersonality() == PersonalityMachine {
		fmt.Fprintln(Out, text)
		return
	}
	fmt.Fprintf(Out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints muted/secondary text
func Muted(text string) {
	if GetPersonality() == PersonalityMachine {
		return
	}
	fmt.Fprintln(Out, Styles.Muted.Render(text))
}

// Box prints text in a rounded box
func Box(title, content string) {
	if GetPersonality() == PersonalityMachine {
		fmt.Fprintf(Out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(Out, Styles.Box.Width(60).Render(Styles.Title.Render(title)+"\n"+content))
}

// WarningBox prints text in a warning-styled box
func WarningBox(title, content string) {
	if GetPersonality() == PersonalityMachine {
		fmt.Fprintf(ErrOut, "WARN %s: %s\n", title, content)
		return
	}
	titleLine := Styles.Warning.Bold(true).Render(title)
	fmt.Fprintln(ErrOut, Styles.WarningBox.Width(60).Render(titleLine+"\n"+content))
}

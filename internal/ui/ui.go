// Package ui provides terminal rendering helpers for the boxkite CLI.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// RenderAccent renders emphasized text (headings, action ids).
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderOK renders success text.
func RenderOK(s string) string { return okStyle.Render(s) }

// RenderWarn renders warning text (pending, deferred).
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderError renders failure text.
func RenderError(s string) string { return errorStyle.Render(s) }

// RenderDim renders secondary text (timestamps, hints).
func RenderDim(s string) string { return dimStyle.Render(s) }

package main

import "github.com/gookit/color"

var (
	headerStyle  = color.New(color.Cyan, color.OpBold)
	dangerStyle  = color.New(color.Red, color.OpBold)
	successStyle = color.New(color.Green, color.OpBold)
)

func printCyan(format string, a ...any) {
	color.Cyan.Printf(format, a...)
}

func printHeader(format string, a ...any) {
	headerStyle.Printf(format, a...)
}

func printDanger(format string, a ...any) {
	dangerStyle.Printf(format, a...)
}

func printSuccess(format string, a ...any) {
	successStyle.Printf(format, a...)
}

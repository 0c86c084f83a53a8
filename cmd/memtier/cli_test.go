package main

import (
	"bytes"
	"strings"
	"testing"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLI_RootHelpListsCommands(t *testing.T) {
	output, err := runRootCommandForTest("--help")
	if err != nil {
		t.Fatalf("execute --help: %v\nOutput:\n%s", err, output)
	}
	for _, cmd := range []string{"put", "recall", "promote", "forget", "consolidate", "status", "version"} {
		if !strings.Contains(output, cmd) {
			t.Errorf("help output missing %q command", cmd)
		}
	}
}

func TestCLI_NoSubcommandFails(t *testing.T) {
	if _, err := runRootCommandForTest(); err == nil {
		t.Fatal("bare invocation should require a subcommand")
	}
}

func TestCLI_PutRequiresContent(t *testing.T) {
	if _, err := runRootCommandForTest("put"); err == nil {
		t.Fatal("put without content should fail arg validation")
	}
}

func TestCLI_RecallHelp(t *testing.T) {
	output, err := runRootCommandForTest("recall", "--help")
	if err != nil {
		t.Fatalf("execute recall --help: %v", err)
	}
	for _, flag := range []string{"--scope", "--limit", "--min-strength", "--json"} {
		if !strings.Contains(output, flag) {
			t.Errorf("recall help missing %q flag", flag)
		}
	}
}

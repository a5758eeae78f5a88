// Package workspace reads and writes the agent's markdown workspace: the
// caller profile, the agent identity, call history and the next greeting.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	UserFile         = "USER.md"
	IdentityFile     = "IDENTITY.md"
	CallsFile        = "CALLS.md"
	NextGreetingFile = "NEXT_GREETING.txt"

	// promptCallsDir holds the call history the voice prompt is built from.
	promptCallsDir = "test-voice-agent"
)

type Workspace struct {
	Dir     string
	AgentID string
}

// DefaultDir is ~/.openclaw/workspace.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".openclaw", "workspace")
	}
	return filepath.Join(home, ".openclaw", "workspace")
}

func New(dir, agentID string) *Workspace {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir()
	}
	if strings.TrimSpace(agentID) == "" {
		agentID = "main"
	}
	return &Workspace{Dir: dir, AgentID: agentID}
}

func (w *Workspace) UserPath() string         { return filepath.Join(w.Dir, UserFile) }
func (w *Workspace) IdentityPath() string     { return filepath.Join(w.Dir, IdentityFile) }
func (w *Workspace) NextGreetingPath() string { return filepath.Join(w.Dir, NextGreetingFile) }
func (w *Workspace) PromptCallsPath() string {
	return filepath.Join(w.Dir, promptCallsDir, CallsFile)
}

// AgentPath resolves a file written by post-call extraction. Agents other
// than "main" get their own subdirectory.
func (w *Workspace) AgentPath(name string) string {
	if w.AgentID != "main" {
		return filepath.Join(w.Dir, w.AgentID, name)
	}
	return filepath.Join(w.Dir, name)
}

// Read returns the trimmed file content, or "" when the file is missing,
// unreadable or empty.
func Read(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Write replaces path, creating parent directories.
func Write(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Profile parses USER.md.
func (w *Workspace) Profile() UserProfile {
	return ParseUser(Read(w.UserPath()))
}

// Identity parses IDENTITY.md.
func (w *Workspace) Identity() Identity {
	return ParseIdentity(Read(w.IdentityPath()))
}

// AgentName is the agent's chosen display name, or "".
func (w *Workspace) AgentName() string {
	return w.Identity().Name
}

func (w *Workspace) NextGreeting() string {
	return Read(w.NextGreetingPath())
}

func (w *Workspace) SaveNextGreeting(greeting string) error {
	return Write(w.NextGreetingPath(), greeting)
}

package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscapesCwd is returned when a tool path resolves outside cwd.
var ErrPathEscapesCwd = errors.New("path escapes cwd")

// maxReadBytes caps read_file output.
const maxReadBytes = 1 << 20

// Builtins returns every built-in tool.
func Builtins() []Tool {
	return []Tool{echoTool{}, readFileTool{}, writeFileTool{}}
}

type echoTool struct{}

func (echoTool) Name() string           { return "echo" }
func (echoTool) Description() string    { return "Return the given text unchanged." }
func (echoTool) RequiresApproval() bool { return false }

func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string","description":"Text to echo."}},"required":["text"],"additionalProperties":false}`)
}

func (echoTool) Run(_ context.Context, _ string, args map[string]any) (string, error) {
	text, _ := stringArg(args, "text")
	return text, nil
}

type readFileTool struct{}

func (readFileTool) Name() string { return "read_file" }
func (readFileTool) Description() string {
	return "Read a UTF-8 text file from the working directory."
}
func (readFileTool) RequiresApproval() bool { return false }

func (readFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Relative path to the file."}},"required":["path"],"additionalProperties":false}`)
}

func (readFileTool) Run(ctx context.Context, cwd string, args map[string]any) (string, error) {
	rel, ok := stringArg(args, "path")
	if !ok || strings.TrimSpace(rel) == "" {
		return "", errors.New("read_file: path is required")
	}
	p, err := resolveInCwd(cwd, rel)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, err := os.Open(p) // #nosec G304 -- confined to cwd by resolveInCwd
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	if len(data) > maxReadBytes {
		return "", fmt.Errorf("read_file: file exceeds %d bytes", maxReadBytes)
	}
	return string(data), nil
}

type writeFileTool struct{}

func (writeFileTool) Name() string { return "write_file" }
func (writeFileTool) Description() string {
	return "Write UTF-8 text content to a file (creates directories if needed)."
}
func (writeFileTool) RequiresApproval() bool { return true }

func (writeFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Relative path to write."},"content":{"type":"string","description":"Full file content."}},"required":["path","content"],"additionalProperties":false}`)
}

func (writeFileTool) Run(ctx context.Context, cwd string, args map[string]any) (string, error) {
	rel, ok := stringArg(args, "path")
	if !ok || strings.TrimSpace(rel) == "" {
		return "", errors.New("write_file: path is required")
	}
	content, _ := stringArg(args, "content")

	p, err := resolveInCwd(cwd, rel)
	if err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), p), nil
}

// resolveInCwd joins rel onto cwd and rejects results outside cwd.
// Symlinks in the existing part of the path are resolved before the check.
func resolveInCwd(cwd, rel string) (string, error) {
	if cwd == "" {
		cwd = "."
	}
	root, err := filepath.Abs(cwd)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	target := rel
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)
	target = resolveExisting(target)

	r, err := filepath.Rel(root, target)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", ErrPathEscapesCwd
	}
	return target, nil
}

// resolveExisting evaluates symlinks on the longest existing prefix of p.
func resolveExisting(p string) string {
	var tail []string
	cur := p
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			parts := append([]string{resolved}, tail...)
			return filepath.Join(parts...)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

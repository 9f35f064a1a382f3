package tools

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/turtle/config"
	"github.com/m4xw311/turtle/errors"
)

// ReadFileTool reads the entire content of a file inside the workspace.
type ReadFileTool struct {
	workdir  string
	fsAccess *config.FilesystemAccess
}

func NewReadFileTool(workdir string, fsAccess *config.FilesystemAccess) *ReadFileTool {
	return &ReadFileTool{workdir: workdir, fsAccess: fsAccess}
}

func (t *ReadFileTool) Name() string   { return "read_file" }
func (t *ReadFileTool) Safety() Safety { return SafetyReadOnly }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file. Args: path (string)."
}

func (t *ReadFileTool) Schema() *Schema {
	return &Schema{
		Type: "object",
		Properties: map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read, relative to the workspace root.",
			},
		},
		Required: []string{"path"},
	}
}

func (t *ReadFileTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	path := args["path"].(string)

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}

	return inWorkspace(t.workdir, path, func(root *os.Root, relPath string) (string, error) {
		f, err := root.Open(relPath)
		if err != nil {
			return "", errors.Wrapf(err, "failed to read file '%s'", path)
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return "", errors.Wrapf(err, "failed to read file '%s'", path)
		}
		return string(content), nil
	})
}

// WriteFileTool writes content to a file inside the workspace,
// replacing it entirely.
type WriteFileTool struct {
	workdir  string
	fsAccess *config.FilesystemAccess
}

func NewWriteFileTool(workdir string, fsAccess *config.FilesystemAccess) *WriteFileTool {
	return &WriteFileTool{workdir: workdir, fsAccess: fsAccess}
}

func (t *WriteFileTool) Name() string   { return "write_file" }
func (t *WriteFileTool) Safety() Safety { return SafetyMutating }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Args: path (string), content (string)."
}

func (t *WriteFileTool) Schema() *Schema {
	return &Schema{
		Type: "object",
		Properties: map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write, relative to the workspace root.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write to the file.",
			},
		},
		Required: []string{"path", "content"},
	}
}

func (t *WriteFileTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	path := args["path"].(string)
	content := args["content"].(string)

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}
	readOnly, err := isPathRestricted(path, t.fsAccess.ReadOnly)
	if err != nil {
		return "", err
	}
	if readOnly {
		return "", errors.New("access denied: path '%s' is read-only", path)
	}

	return inWorkspace(t.workdir, path, func(root *os.Root, relPath string) (string, error) {
		if dir := filepath.Dir(relPath); dir != "." && dir != "/" {
			if err := mkdirAllInRoot(root, dir); err != nil {
				return "", errors.Wrapf(err, "failed to create parent directories for '%s'", path)
			}
		}
		f, err := root.Create(relPath)
		if err != nil {
			return "", errors.Wrapf(err, "failed to write to file '%s'", path)
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return "", errors.Wrapf(err, "failed to write to file '%s'", path)
		}
		return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
	})
}

// ListDirectoryTool lists the entries of a directory inside the
// workspace.
type ListDirectoryTool struct {
	workdir  string
	fsAccess *config.FilesystemAccess
}

func NewListDirectoryTool(workdir string, fsAccess *config.FilesystemAccess) *ListDirectoryTool {
	return &ListDirectoryTool{workdir: workdir, fsAccess: fsAccess}
}

func (t *ListDirectoryTool) Name() string   { return "list_directory" }
func (t *ListDirectoryTool) Safety() Safety { return SafetyReadOnly }
func (t *ListDirectoryTool) Description() string {
	return "Lists files and directories at a path. Args: path (string)."
}

func (t *ListDirectoryTool) Schema() *Schema {
	return &Schema{
		Type: "object",
		Properties: map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list, relative to the workspace root.",
			},
		},
		Required: []string{"path"},
	}
}

func (t *ListDirectoryTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	path := args["path"].(string)

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}

	return inWorkspace(t.workdir, path, func(root *os.Root, relPath string) (string, error) {
		f, err := root.Open(relPath)
		if err != nil {
			return "", errors.Wrapf(err, "failed to open directory '%s'", path)
		}
		defer f.Close()
		entries, err := f.ReadDir(-1)
		if err != nil {
			return "", errors.Wrapf(err, "failed to read directory '%s'", path)
		}

		var sb strings.Builder
		for _, entry := range entries {
			if entry.IsDir() {
				sb.WriteString("DIR:  " + entry.Name() + "\n")
			} else {
				sb.WriteString("FILE: " + entry.Name() + "\n")
			}
		}
		return sb.String(), nil
	})
}

// safeRelPath normalizes a path argument to a workspace-relative path,
// rejecting traversal outside the root.
func safeRelPath(workdir, path string) (string, error) {
	path = filepath.Clean(path)
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(workdir, path)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrPathEscape, path)
		}
		path = rel
	}
	if path == ".." || strings.HasPrefix(path, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	return path, nil
}

// inWorkspace runs fn confined to the workspace root via os.Root, which
// also blocks symlink escapes. The escape check happens before fn, so a
// rejected path never touches the filesystem.
func inWorkspace(workdir, path string, fn func(root *os.Root, relPath string) (string, error)) (string, error) {
	if workdir == "" {
		return "", errors.New("workspace root is not configured")
	}
	relPath, err := safeRelPath(workdir, path)
	if err != nil {
		return "", err
	}
	root, err := os.OpenRoot(workdir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open workspace root")
	}
	defer root.Close()
	return fn(root, relPath)
}

// mkdirAllInRoot mimics os.MkdirAll but within os.Root.
func mkdirAllInRoot(root *os.Root, relPath string) error {
	relPath = filepath.Clean(relPath)
	if relPath == "." || relPath == "/" {
		return nil
	}
	if dir := filepath.Dir(relPath); dir != "." && dir != "/" {
		if err := mkdirAllInRoot(root, dir); err != nil {
			return err
		}
	}
	err := root.Mkdir(relPath, 0755)
	if err != nil && os.IsExist(err) {
		st, statErr := root.Stat(relPath)
		if statErr != nil {
			return statErr
		}
		if !st.IsDir() {
			return fmt.Errorf("%s: not a directory", relPath)
		}
		return nil
	}
	return err
}

// Package toolcall parses a provider's tool-call response and dispatches
// it to the tool registry. File-mutating tools (write_file, edit_file,
// delete_file) are intercepted here and routed into the task's workspace
// transaction instead of hitting disk directly, so every edit a model
// makes is staged, validated, and either committed or rolled back as one
// unit with the rest of the task's changes.
package toolcall

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"merlin/internal/logging"
	"merlin/internal/tools"
	"merlin/internal/workspace"
)

// Call is a parsed tool invocation.
type Call struct {
	ID    string
	Name  string
	Input map[string]any
}

// Output is the normalized result of executing a Call.
type Output struct {
	Success bool
	Message string
	Data    any
}

// Parse extracts a single tool call from a model response. Responses are
// expected to contain one JSON object of the shape
// {"tool":"name","input":{...}}; plain text responses (no tool call)
// return ok=false.
func Parse(text string) (Call, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return Call{}, false
	}

	var raw struct {
		Tool  string         `json:"tool"`
		Input map[string]any `json:"input"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil || raw.Tool == "" {
		return Call{}, false
	}

	return Call{ID: uuid.NewString(), Name: raw.Tool, Input: raw.Input}, true
}

// ResolvePath joins a relative tool-call path against root so the tool
// layer and file lock manager never see a relative path; an already
// absolute path is returned cleaned and unchanged.
func ResolvePath(root, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}

// Dispatcher executes Calls against a tool registry, routing file
// mutations through a workspace transaction for the given task.
type Dispatcher struct {
	registry    *tools.Registry
	workspace   *workspace.Manager
	projectRoot string
}

// New creates a dispatcher over the given tool registry and workspace
// manager. projectRoot anchors any relative file_path a tool call supplies
// before it reaches the workspace transaction.
func New(registry *tools.Registry, ws *workspace.Manager, projectRoot string) *Dispatcher {
	return &Dispatcher{registry: registry, workspace: ws, projectRoot: projectRoot}
}

var mutatingTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"delete_file": true,
}

// Execute runs a Call on behalf of taskID. taskID must have an open
// workspace transaction if the call is one of the file-mutating tools.
func (d *Dispatcher) Execute(ctx context.Context, taskID string, call Call) (Output, error) {
	logging.ToolCallDebug("task %s: dispatching tool call %s (id=%s)", taskID, call.Name, call.ID)

	if mutatingTools[call.Name] {
		return d.executeMutation(taskID, call)
	}

	result, err := d.registry.Execute(ctx, call.Name, call.Input)
	if err != nil {
		logging.ToolCallWarn("task %s: tool %s failed: %v", taskID, call.Name, err)
		return Output{Success: false, Message: err.Error()}, err
	}

	return Output{Success: true, Message: result.Result}, nil
}

func (d *Dispatcher) executeMutation(taskID string, call Call) (Output, error) {
	rawPath, _ := call.Input["file_path"].(string)
	if rawPath == "" {
		return Output{Success: false, Message: "file_path is required"}, fmt.Errorf("file_path is required")
	}
	path := ResolvePath(d.projectRoot, rawPath)

	switch call.Name {
	case "write_file":
		content, _ := call.Input["content"].(string)
		editType := workspace.EditCreate
		if _, err := os.Stat(path); err == nil {
			editType = workspace.EditModify
		}
		edit := workspace.Edit{Path: path, Type: editType, Content: []byte(content)}
		if editType == workspace.EditModify {
			if existing, readErr := os.ReadFile(path); readErr == nil {
				edit.OldHash = hashContent(existing)
			}
		}
		if err := d.workspace.AddEdit(taskID, edit); err != nil {
			return Output{Success: false, Message: err.Error()}, err
		}
		return Output{Success: true, Message: fmt.Sprintf("staged write of %d bytes to %s", len(content), path)}, nil

	case "edit_file":
		oldText, _ := call.Input["old_text"].(string)
		newText, _ := call.Input["new_text"].(string)
		replaceAll, _ := call.Input["replace_all"].(bool)

		// Read through the task's own staged overlay first: a second
		// edit_file call against a path this task already touched must
		// see its own prior write, not the untouched on-disk content.
		var currentStr string
		if staged, ok := d.workspace.StagedContent(taskID, path); ok {
			currentStr = string(staged)
		} else {
			disk, err := os.ReadFile(path)
			if err != nil {
				return Output{Success: false, Message: err.Error()}, err
			}
			currentStr = string(disk)
		}
		if !strings.Contains(currentStr, oldText) {
			err := fmt.Errorf("old_text not found in %s", path)
			return Output{Success: false, Message: err.Error()}, err
		}

		var updated string
		if replaceAll {
			updated = strings.ReplaceAll(currentStr, oldText, newText)
		} else {
			updated = strings.Replace(currentStr, oldText, newText, 1)
		}

		oldHash, err := d.workspace.SnapshotHash(taskID, path)
		if err != nil {
			return Output{Success: false, Message: err.Error()}, err
		}

		edit := workspace.Edit{
			Path:    path,
			Type:    workspace.EditModify,
			Content: []byte(updated),
			OldHash: oldHash,
		}
		if err := d.workspace.AddEdit(taskID, edit); err != nil {
			return Output{Success: false, Message: err.Error()}, err
		}
		return Output{Success: true, Message: fmt.Sprintf("staged edit of %s", path)}, nil

	case "delete_file":
		edit := workspace.Edit{Path: path, Type: workspace.EditDelete}
		if err := d.workspace.AddEdit(taskID, edit); err != nil {
			return Output{Success: false, Message: err.Error()}, err
		}
		return Output{Success: true, Message: fmt.Sprintf("staged delete of %s", path)}, nil
	}

	return Output{Success: false, Message: "unknown mutating tool: " + call.Name}, fmt.Errorf("unknown mutating tool: %s", call.Name)
}

func hashContent(content []byte) string {
	if len(content) == 0 {
		return "empty"
	}
	hash := uint64(1469598103934665603)
	for _, b := range content {
		hash ^= uint64(b)
		hash *= 1099511628211
	}
	return fmt.Sprintf("%016x", hash)
}

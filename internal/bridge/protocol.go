package bridge

import "encoding/json"

// Action identifies an editor operation requested over the bridge. The
// vocabulary is open: unrecognized names are carried through as opaque
// strings rather than rejected at the protocol layer, so a newer editor
// plugin can expose actions this gateway does not know about yet.
type Action string

const (
	ActionOpenScene          Action = "open_scene"
	ActionSaveScene          Action = "save_scene"
	ActionCreateScene        Action = "create_scene"
	ActionGetSceneTree       Action = "get_scene_tree"
	ActionCreateNode         Action = "create_node"
	ActionDeleteNode         Action = "delete_node"
	ActionUpdateNodeProperty Action = "update_node_property"
	ActionCreateScript       Action = "create_script"
	ActionEditScript         Action = "edit_script"
	ActionGetScript          Action = "get_script"
	ActionGetProjectInfo     Action = "get_project_info"
	ActionListProjectFiles   Action = "list_project_files"
	ActionRunProject         Action = "run_project"
	ActionStopProject        Action = "stop_project"
)

var knownActions = map[Action]bool{
	ActionOpenScene:          true,
	ActionSaveScene:          true,
	ActionCreateScene:        true,
	ActionGetSceneTree:       true,
	ActionCreateNode:         true,
	ActionDeleteNode:         true,
	ActionUpdateNodeProperty: true,
	ActionCreateScript:       true,
	ActionEditScript:         true,
	ActionGetScript:          true,
	ActionGetProjectInfo:     true,
	ActionListProjectFiles:   true,
	ActionRunProject:         true,
	ActionStopProject:        true,
}

// Known reports whether the action is part of the enumerated vocabulary.
func (a Action) Known() bool {
	return knownActions[a]
}

// EventName identifies an unsolicited editor notification. Open vocabulary,
// same passthrough rule as Action.
type EventName string

const (
	EventSceneChanged   EventName = "scene_changed"
	EventNodeSelected   EventName = "node_selected"
	EventScriptSaved    EventName = "script_saved"
	EventProjectStarted EventName = "project_started"
	EventProjectStopped EventName = "project_stopped"
	EventEditorState    EventName = "editor_state"
)

var knownEvents = map[EventName]bool{
	EventSceneChanged:   true,
	EventNodeSelected:   true,
	EventScriptSaved:    true,
	EventProjectStarted: true,
	EventProjectStopped: true,
	EventEditorState:    true,
}

// Known reports whether the event is part of the enumerated vocabulary.
func (e EventName) Known() bool {
	return knownEvents[e]
}

// envelope is the single JSON frame exchanged with the editor plugin.
// Requests carry {id, action, params}; responses carry
// {id, success, result|error}; events carry {event, data} and no id.
type envelope struct {
	ID      string          `json:"id,omitempty"`
	Action  string          `json:"action,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *remoteError    `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type remoteError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

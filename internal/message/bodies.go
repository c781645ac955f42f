package message

// Module style names carried in ModuleRequest.Style.
const (
	StyleBinary   = "binary"
	StyleNewStyle = "new-style"
	StyleWantJSON = "want-json"
	StyleOldStyle = "old-style"
)

// ModuleRequest asks the gate to run a compatibility module. Module holds
// base64 source and is omitted when the gate is expected to have the hash
// cached already.
type ModuleRequest struct {
	ID          uint64         `json:"id"`
	ModuleName  string         `json:"module_name"`
	ModuleHash  string         `json:"module_hash"`
	Module      string         `json:"module,omitempty"`
	Style       string         `json:"style"`
	ModuleArgs  map[string]any `json:"module_args"`
	Interpreter string         `json:"interpreter,omitempty"`
}

// NativeModuleRequest asks the gate to run a module compiled into it.
type NativeModuleRequest struct {
	ID         uint64         `json:"id"`
	ModuleName string         `json:"module_name"`
	ModuleArgs map[string]any `json:"module_args"`
}

// ModuleResult carries the captured output of a compatibility module.
type ModuleResult struct {
	ID     uint64 `json:"id"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	RC     int    `json:"rc"`
}

// NativeModuleResult carries the structured result of a native module.
type NativeModuleResult struct {
	ID     uint64         `json:"id"`
	Result map[string]any `json:"result"`
}

// ErrorBody is used by ModuleNotFound, GateSystemError and Error.
type ErrorBody struct {
	ID      uint64 `json:"id,omitempty"`
	Message string `json:"message"`
}

// Package packager turns a module invocation into a gate request and a gate
// response back into an InvocationResult.
package packager

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/eniac111/plumbgate/internal/message"
	"github.com/eniac111/plumbgate/internal/types"
	"github.com/tidwall/gjson"
)

// DetectStyle reports which argument convention a compatibility module follows.
func DetectStyle(src []byte) string {
	switch {
	case !utf8.Valid(src):
		return message.StyleBinary
	case bytes.Contains(src, []byte("AnsibleModule(")):
		return message.StyleNewStyle
	case bytes.Contains(src, []byte("WANT_JSON")):
		return message.StyleWantJSON
	default:
		return message.StyleOldStyle
	}
}

// Hash identifies module source on the gate so it is shipped only once.
func Hash(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}

// Pack builds the request payload for inv. The source is embedded only when
// withSource is set; otherwise the gate runs its cached copy by hash.
func Pack(id uint64, inv types.ModuleInvocation, interpreter string, withSource bool) ([]byte, error) {
	args := inv.Args
	if args == nil {
		args = map[string]any{}
	}
	if inv.Module.Native {
		return message.Marshal(message.TypeNativeModule, message.NativeModuleRequest{
			ID:         id,
			ModuleName: inv.Module.Name,
			ModuleArgs: args,
		})
	}
	if len(inv.Module.Source) == 0 {
		return nil, fmt.Errorf("module %s has no source", inv.Module.Name)
	}
	req := message.ModuleRequest{
		ID:          id,
		ModuleName:  inv.Module.Name,
		ModuleHash:  Hash(inv.Module.Source),
		Style:       DetectStyle(inv.Module.Source),
		ModuleArgs:  args,
		Interpreter: interpreter,
	}
	if withSource {
		req.Module = base64.StdEncoding.EncodeToString(inv.Module.Source)
	}
	return message.Marshal(message.TypeModule, req)
}

// ResponseID extracts the correlation id of a response, zero when absent.
func ResponseID(msg message.Message) uint64 {
	return gjson.GetBytes(msg.Body, "id").Uint()
}

// Unpack converts a gate response into a result for target. A
// ModuleNotFound response yields ErrModuleNotFound so the caller can resend
// with source; every other response yields a terminal result.
func Unpack(target string, msg message.Message) (types.InvocationResult, error) {
	switch msg.Type {
	case message.TypeModuleResult:
		var body message.ModuleResult
		if err := msg.Decode(&body); err != nil {
			return types.InvocationResult{}, err
		}
		return unpackModuleResult(target, body), nil

	case message.TypeNativeModuleResult:
		var body message.NativeModuleResult
		if err := msg.Decode(&body); err != nil {
			return types.InvocationResult{}, err
		}
		res := types.InvocationResult{Target: target, Status: types.StatusSuccess, Output: body.Result}
		fillFromOutput(&res, body.Result)
		return res, nil

	case message.TypeModuleNotFound:
		var body message.ErrorBody
		_ = msg.Decode(&body)
		return types.InvocationResult{}, fmt.Errorf("%w: %s", ErrModuleNotFound, body.Message)

	case message.TypeGateSystemError, message.TypeError:
		var body message.ErrorBody
		if err := msg.Decode(&body); err != nil {
			return types.InvocationResult{}, err
		}
		return types.InvocationResult{
			Target: target,
			Status: types.StatusModuleError,
			Failed: true,
			Msg:    body.Message,
			Raw:    body.Message,
			Error:  string(msg.Type),
		}, nil

	default:
		return types.InvocationResult{}, &message.ProtocolError{Reason: fmt.Sprintf("unexpected %s response", msg.Type), Data: msg.Body}
	}
}

func unpackModuleResult(target string, body message.ModuleResult) types.InvocationResult {
	res := types.InvocationResult{
		Target: target,
		RC:     body.RC,
		Stdout: body.Stdout,
		Stderr: body.Stderr,
	}

	out := strings.TrimSpace(body.Stdout)
	if out == "" {
		// crashed before emitting anything
		res.Status = types.StatusModuleError
		res.Failed = true
		res.Raw = body.Stderr
		res.Msg = fmt.Sprintf("module produced no output (rc=%d)", body.RC)
		return res
	}
	parsed := gjson.Parse(out)
	if !gjson.Valid(out) || !parsed.IsObject() {
		res.Status = types.StatusModuleError
		res.Failed = true
		res.Raw = body.Stdout
		res.Msg = "module output is not a JSON object"
		return res
	}

	output, err := decodeOutput(out)
	if err != nil {
		res.Status = types.StatusModuleError
		res.Failed = true
		res.Raw = body.Stdout
		res.Msg = fmt.Sprintf("module output: %v", err)
		return res
	}
	res.Status = types.StatusSuccess
	res.Output = output
	fillFromOutput(&res, output)
	if body.RC != 0 && !parsed.Get("failed").Exists() {
		res.Failed = true
	}
	if !parsed.Get("rc").Exists() {
		res.RC = body.RC
	}
	return res
}

func fillFromOutput(res *types.InvocationResult, output map[string]any) {
	if output == nil {
		return
	}
	if v, ok := output["changed"].(bool); ok {
		res.Changed = v
	}
	if v, ok := output["failed"].(bool); ok {
		res.Failed = v
	}
	if v, ok := output["msg"].(string); ok {
		res.Msg = v
	}
	switch v := output["rc"].(type) {
	case int64:
		res.RC = int(v)
	case float64:
		res.RC = int(v)
	case int:
		res.RC = v
	}
}

// decodeOutput reads a module's JSON object keeping integers exact. Whole
// numbers become int64, other numbers float64, and integers too large for
// int64 stay json.Number.
func decodeOutput(out string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(out))
	dec.UseNumber()
	var output map[string]any
	if err := dec.Decode(&output); err != nil {
		return nil, err
	}
	return normalizeNumbers(output).(map[string]any), nil
}

func normalizeNumbers(v any) any {
	switch v := v.(type) {
	case map[string]any:
		for k, item := range v {
			v[k] = normalizeNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = normalizeNumbers(item)
		}
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if strings.ContainsAny(v.String(), ".eE") {
			if f, err := v.Float64(); err == nil {
				return f
			}
		}
		return v
	}
	return v
}

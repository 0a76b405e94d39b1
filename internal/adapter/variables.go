package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
	"github.com/privat1/vscode-chrome-debug-core/internal/dap"
)

// CDP-side helper sources. Compiled once by the runtime per call; the
// adapter never builds dynamic code for hit conditions or rendering.
const (
	// getterInvokeFn reads one property through its getter.
	getterInvokeFn = "function(p){return this[p]}"

	// getIndexedSliceFn copies an index range of an array-like into a
	// fresh object for chunked expansion.
	getIndexedSliceFn = "function(start, count) { var result = {}; for (var i = start; i < start + count; i++) { result[i] = this[i]; } return result; }"

	// getNamedSliceFn copies a getOwnPropertyNames range, for collections
	// without dense indices.
	getNamedSliceFn = "function(start, count) { var result = {}; var names = Object.getOwnPropertyNames(this); for (var i = start; i < start + count && i < names.length; i++) { result[names[i]] = this[names[i]]; } return result; }"

	// getArrayNumPropsFn counts indexed and named properties of an
	// array-like; the +2 accounts for length and the prototype entry.
	getArrayNumPropsFn = "function() { var length = this.length; var numProps = Object.getOwnPropertyNames(this).length; return [length, numProps - length + 2]; }"

	// getCollectionNumPropsFn counts properties of a set or map; the +1
	// accounts for the [[Entries]] internal slot.
	getCollectionNumPropsFn = "function() { var numProps = Object.getOwnPropertyNames(this).length; return [0, numProps + 1]; }"
)

// VariableContainer is a variablesReference payload: something that can
// list child variables and, when supported, overwrite one of them.
type VariableContainer interface {
	// Expand lists the container's variables, optionally filtered to
	// indexed or named properties and windowed by start/count.
	Expand(ctx context.Context, ins *Inspector, filter string, start, count int) ([]dap.Variable, error)

	// SetValue assigns a named slot and returns the new value's rendering.
	SetValue(ctx context.Context, ins *Inspector, name, value string) (string, error)
}

// scopeContainer wraps one scope of a call frame.
type scopeContainer struct {
	callFrameID cdp.CallFrameID
	scopeNumber int
	objectID    cdp.RemoteObjectID
	this        *cdp.RemoteObject
	returnValue *cdp.RemoteObject
}

// Expand lists the scope's variables, with the frame's return value and
// receiver prepended on the innermost scope.
func (c *scopeContainer) Expand(ctx context.Context, ins *Inspector, filter string, start, count int) ([]dap.Variable, error) {
	vars, err := ins.expandObject(ctx, c.objectID, "", filter, start, count)
	if err != nil {
		return nil, err
	}

	var prefix []dap.Variable
	if c.returnValue != nil {
		prefix = append(prefix, ins.remoteObjectToVariable(ctx, "Return value", "", c.returnValue, true))
	}
	if c.this != nil {
		prefix = append(prefix, ins.remoteObjectToVariable(ctx, "this", "this", c.this, true))
	}
	return append(prefix, vars...), nil
}

// SetValue assigns a scope variable through Debugger.setVariableValue,
// evaluating the new value expression on the owning call frame first.
func (c *scopeContainer) SetValue(ctx context.Context, ins *Inspector, name, value string) (string, error) {
	eval, err := ins.client.DebuggerEvaluateOnCallFrame(ctx, cdp.EvaluateOnCallFrameParams{
		CallFrameID: c.callFrameID,
		Expression:  value,
		Silent:      true,
	})
	if err != nil {
		return "", err
	}
	if eval.ExceptionDetails != nil {
		return "", newEvaluateError(eval.ExceptionDetails.FormattedDescription())
	}

	err = ins.client.DebuggerSetVariableValue(ctx, cdp.SetVariableValueParams{
		ScopeNumber:  c.scopeNumber,
		VariableName: name,
		NewValue:     callArgumentFor(&eval.Result),
		CallFrameID:  c.callFrameID,
	})
	if err != nil {
		return "", err
	}

	rendered := ins.remoteObjectToVariable(ctx, name, "", &eval.Result, true)
	return rendered.Value, nil
}

// propertyContainer wraps an object's properties.
type propertyContainer struct {
	objectID     cdp.RemoteObjectID
	evaluateName string
}

// Expand lists the object's properties.
func (c *propertyContainer) Expand(ctx context.Context, ins *Inspector, filter string, start, count int) ([]dap.Variable, error) {
	return ins.expandObject(ctx, c.objectID, c.evaluateName, filter, start, count)
}

// SetValue assigns a property by running an assignment on the object.
func (c *propertyContainer) SetValue(ctx context.Context, ins *Inspector, name, value string) (string, error) {
	fn := fmt.Sprintf(`function() { return this[%s] = %s; }`, strconv.Quote(name), value)
	result, err := ins.client.RuntimeCallFunctionOn(ctx, cdp.CallFunctionOnParams{
		ObjectID:            c.objectID,
		FunctionDeclaration: fn,
		Silent:              true,
	})
	if err != nil {
		return "", err
	}
	if result.ExceptionDetails != nil {
		return "", newEvaluateError(result.ExceptionDetails.FormattedDescription())
	}

	rendered := ins.remoteObjectToVariable(ctx, name, "", &result.Result, true)
	return rendered.Value, nil
}

// loggedObjectsContainer wraps the argument list of a captured console
// call.
type loggedObjectsContainer struct {
	args []cdp.RemoteObject
}

// Expand renders each logged argument as one variable.
func (c *loggedObjectsContainer) Expand(ctx context.Context, ins *Inspector, filter string, start, count int) ([]dap.Variable, error) {
	vars := make([]dap.Variable, 0, len(c.args))
	for i := range c.args {
		vars = append(vars, ins.remoteObjectToVariable(ctx, strconv.Itoa(i), "", &c.args[i], true))
	}
	return vars, nil
}

// SetValue is not supported for logged objects.
func (c *loggedObjectsContainer) SetValue(ctx context.Context, ins *Inspector, name, value string) (string, error) {
	return "", ErrSetValueNotSupported
}

// exceptionContainer pins the current pause's thrown value.
type exceptionContainer struct {
	object cdp.RemoteObject
}

// Expand lists the exception object's properties.
func (c *exceptionContainer) Expand(ctx context.Context, ins *Inspector, filter string, start, count int) ([]dap.Variable, error) {
	if c.object.ObjectID == "" {
		return []dap.Variable{ins.remoteObjectToVariable(ctx, "exception", "", &c.object, true)}, nil
	}
	return ins.expandObject(ctx, c.object.ObjectID, "", filter, start, count)
}

// SetValue is not supported for the exception value.
func (c *exceptionContainer) SetValue(ctx context.Context, ins *Inspector, name, value string) (string, error) {
	return "", ErrSetValueNotSupported
}

// Variables expands a variablesReference into DAP variables.
func (ins *Inspector) Variables(ctx context.Context, args dap.VariablesArguments) (*dap.VariablesResponseBody, error) {
	container, ok := ins.ContainerByRef(args.VariablesReference)
	if !ok {
		return nil, ErrStackFrameNotValid
	}

	vars, err := container.Expand(ctx, ins, args.Filter, args.Start, args.Count)
	if err != nil {
		return nil, err
	}
	return &dap.VariablesResponseBody{Variables: vars}, nil
}

// SetVariable assigns a variable through its container.
func (ins *Inspector) SetVariable(ctx context.Context, args dap.SetVariableArguments) (*dap.SetVariableResponseBody, error) {
	container, ok := ins.ContainerByRef(args.VariablesReference)
	if !ok {
		return nil, ErrStackFrameNotValid
	}

	value, err := container.SetValue(ctx, ins, args.Name, args.Value)
	if err != nil {
		return nil, err
	}
	return &dap.SetVariableResponseBody{Value: value}, nil
}

// expandObject lists an object's properties. With a start/count window a
// CDP-side slice helper produces the chunk; otherwise two getProperties
// calls cover own properties plus prototype-chain accessors.
func (ins *Inspector) expandObject(ctx context.Context, objectID cdp.RemoteObjectID, evaluateName, filter string, start, count int) ([]dap.Variable, error) {
	if count > 0 {
		return ins.expandChunk(ctx, objectID, evaluateName, filter, start, count)
	}

	own, err := ins.client.RuntimeGetProperties(ctx, cdp.GetPropertiesParams{
		ObjectID:        objectID,
		OwnProperties:   true,
		GeneratePreview: true,
	})
	if err != nil {
		return nil, err
	}
	accessors, err := ins.client.RuntimeGetProperties(ctx, cdp.GetPropertiesParams{
		ObjectID:               objectID,
		AccessorPropertiesOnly: true,
		GeneratePreview:        true,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(own.Result))
	props := make([]cdp.PropertyDescriptor, 0, len(own.Result)+len(accessors.Result))
	for _, p := range accessors.Result {
		seen[p.Name] = true
		props = append(props, p)
	}
	for _, p := range own.Result {
		if seen[p.Name] {
			continue
		}
		props = append(props, p)
	}

	var vars []dap.Variable
	for i := range props {
		name := props[i].Name
		switch filter {
		case "indexed":
			if !isIndexedPropName(name) {
				continue
			}
		case "named":
			if isIndexedPropName(name) {
				continue
			}
		}
		v, ok := ins.variableFromProperty(ctx, objectID, evaluateName, &props[i])
		if ok {
			vars = append(vars, v)
		}
	}
	return vars, nil
}

// expandChunk pages a large collection: a slice helper runs over `this`
// in the runtime, then the returned chunk is expanded and only indexed
// names are kept.
func (ins *Inspector) expandChunk(ctx context.Context, objectID cdp.RemoteObjectID, evaluateName, filter string, start, count int) ([]dap.Variable, error) {
	fn := getIndexedSliceFn
	if filter == "named" {
		fn = getNamedSliceFn
	}

	startArg, _ := json.Marshal(start)
	countArg, _ := json.Marshal(count)
	sliced, err := ins.client.RuntimeCallFunctionOn(ctx, cdp.CallFunctionOnParams{
		ObjectID:            objectID,
		FunctionDeclaration: fn,
		Arguments: []cdp.CallArgument{
			{Value: startArg},
			{Value: countArg},
		},
		Silent: true,
	})
	if err != nil {
		return nil, err
	}
	if sliced.ExceptionDetails != nil {
		return nil, newEvaluateError(sliced.ExceptionDetails.FormattedDescription())
	}
	if sliced.Result.ObjectID == "" {
		return nil, nil
	}

	chunk, err := ins.client.RuntimeGetProperties(ctx, cdp.GetPropertiesParams{
		ObjectID:        sliced.Result.ObjectID,
		OwnProperties:   true,
		GeneratePreview: true,
	})
	if err != nil {
		return nil, err
	}

	var vars []dap.Variable
	for i := range chunk.Result {
		if !isIndexedPropName(chunk.Result[i].Name) {
			continue
		}
		v, ok := ins.variableFromProperty(ctx, objectID, evaluateName, &chunk.Result[i])
		if ok {
			vars = append(vars, v)
		}
	}
	return vars, nil
}

// variableFromProperty converts one property descriptor into a DAP
// variable, invoking getters and rendering setter-only slots literally.
func (ins *Inspector) variableFromProperty(ctx context.Context, objectID cdp.RemoteObjectID, parentEvaluateName string, prop *cdp.PropertyDescriptor) (dap.Variable, bool) {
	switch {
	case prop.Get != nil:
		nameArg, _ := json.Marshal(prop.Name)
		result, err := ins.client.RuntimeCallFunctionOn(ctx, cdp.CallFunctionOnParams{
			ObjectID:            objectID,
			FunctionDeclaration: getterInvokeFn,
			Arguments:           []cdp.CallArgument{{Value: nameArg}},
			Silent:              true,
			GeneratePreview:     true,
		})
		if err != nil {
			return dap.Variable{}, false
		}
		if result.ExceptionDetails != nil {
			// A throwing getter renders its message as the value, not as
			// a request failure.
			return dap.Variable{
				Name:         prop.Name,
				Value:        result.ExceptionDetails.FormattedDescription(),
				EvaluateName: composeEvaluateName(parentEvaluateName, prop.Name),
			}, true
		}
		v := ins.remoteObjectToVariable(ctx, prop.Name, parentEvaluateName, &result.Result, true)
		return v, true

	case prop.Set != nil && prop.Value == nil:
		return dap.Variable{
			Name:         prop.Name,
			Value:        "setter",
			EvaluateName: composeEvaluateName(parentEvaluateName, prop.Name),
		}, true

	case prop.Value != nil:
		return ins.remoteObjectToVariable(ctx, prop.Name, parentEvaluateName, prop.Value, true), true

	default:
		return dap.Variable{}, false
	}
}

// remoteObjectToVariable converts a RemoteObject into a DAP variable,
// minting a child container for expandable objects.
func (ins *Inspector) remoteObjectToVariable(ctx context.Context, name, parentEvaluateName string, obj *cdp.RemoteObject, stringify bool) dap.Variable {
	evaluateName := composeEvaluateName(parentEvaluateName, name)
	if parentEvaluateName == name {
		// "this" evaluates as itself.
		evaluateName = name
	}

	v := dap.Variable{
		Name:         name,
		Type:         obj.Type,
		EvaluateName: evaluateName,
	}

	switch obj.Type {
	case "object":
		switch obj.Subtype {
		case "null":
			v.Value = "null"
		case "internal#location":
			v.Value = "internal#location"
		default:
			v.Value = objectPreviewString(obj)
			v.VariablesReference = ins.createContainer(&propertyContainer{
				objectID:     obj.ObjectID,
				evaluateName: evaluateName,
			})
			indexed, named := ins.propCounts(ctx, obj)
			v.IndexedVariables = indexed
			v.NamedVariables = named
		}
	case "undefined":
		v.Value = "undefined"
	case "function":
		v.Value = functionSignature(obj.Description)
	case "number":
		// Description preserves Infinity and digits past float precision.
		v.Value = obj.Description
	case "boolean":
		v.Value = string(obj.Value)
	default:
		if len(obj.Value) == 0 {
			v.Value = obj.Description
			break
		}
		var s string
		if err := json.Unmarshal(obj.Value, &s); err != nil {
			v.Value = string(obj.Value)
			break
		}
		if stringify && obj.Type == "string" {
			v.Value = `"` + s + `"`
		} else {
			v.Value = s
		}
	}
	return v
}

// propCounts resolves indexed/named child counts for large-collection
// paging. Array counts come from the preview when it is complete,
// otherwise from a counting helper in the runtime.
func (ins *Inspector) propCounts(ctx context.Context, obj *cdp.RemoteObject) (indexed, named int) {
	switch obj.Subtype {
	case "array", "typedarray":
		if obj.Preview != nil && !obj.Preview.Overflow {
			for _, p := range obj.Preview.Properties {
				if isIndexedPropName(p.Name) {
					indexed++
				}
			}
			return indexed, 0
		}
		return ins.countProps(ctx, obj.ObjectID, getArrayNumPropsFn)
	case "set", "map":
		return ins.countProps(ctx, obj.ObjectID, getCollectionNumPropsFn)
	default:
		return 0, 0
	}
}

// countProps runs a counting helper over the object and decodes its
// [indexed, named] result.
func (ins *Inspector) countProps(ctx context.Context, objectID cdp.RemoteObjectID, fn string) (int, int) {
	result, err := ins.client.RuntimeCallFunctionOn(ctx, cdp.CallFunctionOnParams{
		ObjectID:            objectID,
		FunctionDeclaration: fn,
		Silent:              true,
		ReturnByValue:       true,
	})
	if err != nil || result.ExceptionDetails != nil {
		return 0, 0
	}

	var counts [2]int
	if err := json.Unmarshal(result.Result.Value, &counts); err != nil {
		return 0, 0
	}
	return counts[0], counts[1]
}

// objectPreviewString renders an object's display value from its preview,
// falling back to the bare description.
func objectPreviewString(obj *cdp.RemoteObject) string {
	p := obj.Preview
	if p == nil {
		if obj.Description != "" {
			return obj.Description
		}
		return "Object"
	}

	parts := make([]string, 0, len(p.Properties))
	for _, prop := range p.Properties {
		value := prop.Value
		if prop.Type == "string" {
			value = `"` + value + `"`
		}
		if p.Subtype == "array" && isIndexedPropName(prop.Name) {
			parts = append(parts, value)
		} else {
			parts = append(parts, prop.Name+": "+value)
		}
	}
	inner := strings.Join(parts, ", ")
	if p.Overflow {
		inner += "…"
	}

	if p.Subtype == "array" {
		return p.Description + " [" + inner + "]"
	}
	return p.Description + " {" + inner + "}"
}

// functionSignature truncates a function's source to a one-line signature.
func functionSignature(description string) string {
	if idx := strings.Index(description, "{"); idx >= 0 {
		return strings.TrimSpace(description[:idx]) + " { … }"
	}
	if idx := strings.Index(description, "=>"); idx >= 0 {
		return description[:idx+2] + " …"
	}
	return description
}

// identifierPattern matches names that compose with dot notation.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// composeEvaluateName builds the expression that re-evaluates to a child
// property of the parent expression.
func composeEvaluateName(parent, name string) string {
	if parent == "" {
		if identifierPattern.MatchString(name) {
			return name
		}
		return ""
	}
	if isIndexedPropName(name) {
		return parent + "[" + name + "]"
	}
	if identifierPattern.MatchString(name) {
		return parent + "." + name
	}
	return parent + "[" + strconv.Quote(name) + "]"
}

// isIndexedPropName reports whether a name is a canonical non-negative
// decimal integer.
func isIndexedPropName(name string) bool {
	n, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return false
	}
	return strconv.FormatUint(n, 10) == name
}

// callArgumentFor coerces a RemoteObject into a CallArgument.
func callArgumentFor(obj *cdp.RemoteObject) cdp.CallArgument {
	switch {
	case obj.ObjectID != "":
		return cdp.CallArgument{ObjectID: obj.ObjectID}
	case obj.UnserializableValue != "":
		return cdp.CallArgument{UnserializableValue: obj.UnserializableValue}
	default:
		return cdp.CallArgument{Value: obj.Value}
	}
}

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
	"github.com/privat1/vscode-chrome-debug-core/internal/dap"
)

// scriptsCommand is the REPL meta-command listing known scripts.
const scriptsCommand = ".scripts"

// maxScriptSourceLength bounds the source dumped by ".scripts <url>".
const maxScriptSourceLength = 1e5

// completionsFn walks an expression result's prototype chain and collects
// every own property name per level.
const completionsFn = "(function(x){var a=[];for(var o=x;o!==null&&typeof o!=='undefined';o=o.__proto__){a.push(Object.getOwnPropertyNames(o))};return a})"

// Evaluator dispatches expression evaluation on a selected call frame or
// globally, and serves the completions request.
type Evaluator struct {
	client      *cdp.Client
	scripts     *ScriptRegistry
	inspector   *Inspector
	coordinator *PauseCoordinator
	events      EventEmitter
	log         zerolog.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(client *cdp.Client, scripts *ScriptRegistry, inspector *Inspector, coordinator *PauseCoordinator, events EventEmitter, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		client:      client,
		scripts:     scripts,
		inspector:   inspector,
		coordinator: coordinator,
		events:      events,
		log:         log,
	}
}

// Evaluate evaluates an expression in the given context. The .scripts
// meta-command is answered locally via output events.
func (e *Evaluator) Evaluate(ctx context.Context, args dap.EvaluateArguments) (*dap.EvaluateResponseBody, error) {
	if strings.HasPrefix(args.Expression, scriptsCommand) {
		e.handleScriptsCommand(ctx, strings.TrimSpace(args.Expression[len(scriptsCommand):]))
		return &dap.EvaluateResponseBody{Result: ""}, nil
	}

	e.coordinator.WaitForSettle()

	result, err := e.dispatch(ctx, args.Expression, args.FrameID)
	if err != nil {
		return nil, err
	}

	if result.ExceptionDetails != nil {
		msg := result.ExceptionDetails.FormattedDescription()
		if strings.HasPrefix(msg, "ReferenceError:") && args.Context != "repl" {
			msg = "not available"
		}
		return nil, newEvaluateError(msg)
	}

	v := e.inspector.remoteObjectToVariable(ctx, args.Expression, "", &result.Result, args.Context != "repl")
	return &dap.EvaluateResponseBody{
		Result:             v.Value,
		Type:               v.Type,
		VariablesReference: v.VariablesReference,
		NamedVariables:     v.NamedVariables,
		IndexedVariables:   v.IndexedVariables,
	}, nil
}

// dispatch evaluates on the selected call frame when one is given,
// globally otherwise.
func (e *Evaluator) dispatch(ctx context.Context, expression string, frameID int) (*cdp.EvaluateResult, error) {
	if frameID != 0 {
		frame, ok := e.inspector.FrameByID(frameID)
		if !ok {
			return nil, ErrStackFrameNotValid
		}
		return e.client.DebuggerEvaluateOnCallFrame(ctx, cdp.EvaluateOnCallFrameParams{
			CallFrameID:     frame.CallFrameID,
			Expression:      expression,
			Silent:          true,
			GeneratePreview: true,
		})
	}

	return e.client.RuntimeEvaluate(ctx, cdp.RuntimeEvaluateParams{
		Expression:      expression,
		Silent:          true,
		GeneratePreview: true,
	})
}

// handleScriptsCommand lists known scripts, or dumps one script's source.
func (e *Evaluator) handleScriptsCommand(ctx context.Context, arg string) {
	var out strings.Builder

	if arg == "" {
		scripts := e.scripts.All()
		sort.Slice(scripts, func(i, j int) bool { return scripts[i].URL < scripts[j].URL })
		for _, script := range scripts {
			clientPath := e.inspector.clientPathFor(script)
			if clientPath != "" && clientPath != script.URL {
				fmt.Fprintf(&out, "‣ %s (%s)\n", script.URL, clientPath)
			} else {
				fmt.Fprintf(&out, "‣ %s\n", script.URL)
			}
			for _, src := range script.AuthoredSources {
				fmt.Fprintf(&out, "    - %s\n", src)
			}
		}
	} else {
		script, ok := e.scripts.ByURL(arg)
		if !ok {
			fmt.Fprintf(&out, "No runtime script with url: %s\n", arg)
		} else {
			source, err := e.client.DebuggerGetScriptSource(ctx, script.ID)
			if err != nil {
				fmt.Fprintf(&out, "Error getting script source: %s\n", err)
			} else {
				if len(source) > maxScriptSourceLength {
					source = source[:maxScriptSourceLength] + "[⋯]"
				}
				out.WriteString(source)
				out.WriteString("\n")
			}
		}
	}

	if err := e.events.SendEvent("output", dap.OutputEventBody{
		Category: "console",
		Output:   out.String(),
	}); err != nil {
		e.log.Warn().Err(err).Msg("send output event failed")
	}
}

// Completions suggests property or variable names for the text before the
// cursor.
func (e *Evaluator) Completions(ctx context.Context, args dap.CompletionsArguments) (*dap.CompletionsResponseBody, error) {
	text := args.Text
	if args.Column > 0 && args.Column <= len(text) {
		text = text[:args.Column]
	}

	if idx := strings.LastIndex(text, "."); idx >= 0 {
		return e.propertyCompletions(ctx, text[:idx], args.FrameID)
	}
	return e.scopeCompletions(ctx, args.FrameID)
}

// propertyCompletions evaluates the leading expression and collects the
// own property names of every prototype level.
func (e *Evaluator) propertyCompletions(ctx context.Context, expression string, frameID int) (*dap.CompletionsResponseBody, error) {
	if expression == "" {
		return &dap.CompletionsResponseBody{Targets: []dap.CompletionItem{}}, nil
	}

	wrapped := completionsFn + "(" + expression + ")"

	var result *cdp.EvaluateResult
	var err error
	if frameID != 0 {
		frame, ok := e.inspector.FrameByID(frameID)
		if !ok {
			return nil, ErrStackFrameNotValid
		}
		result, err = e.client.DebuggerEvaluateOnCallFrame(ctx, cdp.EvaluateOnCallFrameParams{
			CallFrameID:   frame.CallFrameID,
			Expression:    wrapped,
			Silent:        true,
			ReturnByValue: true,
		})
	} else {
		result, err = e.client.RuntimeEvaluate(ctx, cdp.RuntimeEvaluateParams{
			Expression:    wrapped,
			Silent:        true,
			ReturnByValue: true,
		})
	}
	if err != nil {
		return nil, err
	}
	if result.ExceptionDetails != nil || len(result.Result.Value) == 0 {
		return &dap.CompletionsResponseBody{Targets: []dap.CompletionItem{}}, nil
	}

	var levels [][]string
	if err := json.Unmarshal(result.Result.Value, &levels); err != nil {
		return &dap.CompletionsResponseBody{Targets: []dap.CompletionItem{}}, nil
	}

	body := &dap.CompletionsResponseBody{Targets: []dap.CompletionItem{}}
	seen := make(map[string]bool)
	for _, names := range levels {
		for _, name := range names {
			if seen[name] || isIndexedPropName(name) {
				continue
			}
			seen[name] = true
			body.Targets = append(body.Targets, dap.CompletionItem{
				Label: name,
				Type:  "property",
			})
		}
	}
	return body, nil
}

// scopeCompletions expands every scope of the active frame and collects
// the variable names.
func (e *Evaluator) scopeCompletions(ctx context.Context, frameID int) (*dap.CompletionsResponseBody, error) {
	body := &dap.CompletionsResponseBody{Targets: []dap.CompletionItem{}}

	frame, ok := e.inspector.FrameByID(frameID)
	if !ok {
		return body, nil
	}

	seen := make(map[string]bool)
	for _, scope := range frame.ScopeChain {
		if scope.Object.ObjectID == "" {
			continue
		}
		vars, err := e.inspector.expandObject(ctx, scope.Object.ObjectID, "", "", 0, 0)
		if err != nil {
			continue
		}
		for _, v := range vars {
			if seen[v.Name] {
				continue
			}
			seen[v.Name] = true
			body.Targets = append(body.Targets, dap.CompletionItem{
				Label: v.Name,
				Type:  "variable",
			})
		}
	}
	return body, nil
}

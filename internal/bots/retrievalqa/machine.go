// Package retrievalqa is a small question-answering machine: every text
// question becomes a retrieval call and the returned chunks become the answer.
// Questions starting with "/" are routed to a plugin instead.
package retrievalqa

import (
	"fmt"
	"sort"
	"strings"

	"conversation-orchestrator/backend/internal/fsm"
)

// Name is the machine name bots reference
const Name = "retrievalqa"

// Graph nodes
const (
	NodeStart    = ""
	NodeAsked    = "asked"
	NodePlugin   = "plugin"
	NodeLanguage = "language"
	NodeFollowUp = "follow_up"
)

// Bot config keys read from config_env
const (
	ConfigCollection = "collection_name"
	ConfigTopK       = "top_chunk_k_value"
	ConfigLanguages  = "languages"
	ConfigMaxChunks  = "max_answer_chunks"
)

// Variable keys written to the session
const (
	VarLastQuery = "last_query"
	VarQuestions = "questions_asked"
)

const (
	defaultMaxChunks = 3
	noAnswer         = "I could not find anything about that."
	stillLooking     = "Still looking that up, one moment."
	askForText       = "Please type your question."
	followUp         = "Anything else I can help with?"
)

var defaultLanguages = []string{"en", "hi"}

// Machine implements fsm.Machine
type Machine struct{}

// New creates the machine
func New() *Machine {
	return &Machine{}
}

// Register adds the machine to r under Name
func Register(r *fsm.Registry) error {
	return r.Register(Name, New())
}

// Step advances the graph by one event
func (m *Machine) Step(in fsm.Input) (fsm.Output, error) {
	switch ev := in.Event.(type) {
	case fsm.UserMessage:
		return m.onMessage(in, ev.Message)
	case fsm.UnexpectedInput:
		return m.onInterrupt(in, ev)
	case fsm.RAGResult:
		return m.onChunks(in, ev.Chunks)
	case fsm.PluginResult:
		return m.onPlugin(in, ev.Payload)
	case fsm.Continue:
		if in.Node == NodeFollowUp {
			return reply(in, NodeStart, fsm.WaitForUserInput, followUp)
		}
	}
	return fsm.Output{}, fmt.Errorf("no transition for %s at node %q", in.Event.EventType(), in.Node)
}

func (m *Machine) onMessage(in fsm.Input, msg fsm.Message) (fsm.Output, error) {
	switch v := msg.(type) {
	case fsm.DialogMessage:
		return m.onDialog(in, v)

	case fsm.InteractiveReplyMessage:
		if in.Node == NodeLanguage {
			return switchLanguage(in, v.Options[0].OptionID)
		}
		return reply(in, NodeStart, fsm.WaitForUserInput, askForText)

	case fsm.TextMessage:
		question := strings.TrimSpace(v.Body)
		if strings.HasPrefix(question, "/") {
			return m.callPlugin(in, question)
		}
		return m.ask(in, question)
	}
	return reply(in, in.Node, fsm.WaitForUserInput, askForText)
}

func (m *Machine) onDialog(in fsm.Input, d fsm.DialogMessage) (fsm.Output, error) {
	switch d.DialogID {
	case fsm.DialogConversationReset:
		return fsm.Output{
			Node:      NodeStart,
			Status:    fsm.End,
			Variables: in.Variables,
			Actions:   []fsm.Action{fsm.NewConversationReset()},
		}, nil

	case fsm.DialogLanguageChange:
		options := make([]fsm.Option, 0)
		for _, lang := range languages(in.Config) {
			options = append(options, fsm.Option{OptionID: lang, OptionText: strings.ToUpper(lang)})
		}
		picker, err := fsm.NewButton("Language", "Choose your language", "You can change it any time", options)
		if err != nil {
			return fsm.Output{}, err
		}
		send, err := fsm.NewSendMessage(picker)
		if err != nil {
			return fsm.Output{}, err
		}
		return fsm.Output{Node: NodeLanguage, Status: fsm.WaitForUserInput, Variables: in.Variables, Actions: []fsm.Action{send}}, nil

	case fsm.DialogLanguageSelected:
		return switchLanguage(in, d.DialogInput)
	}
	return reply(in, in.Node, fsm.WaitForUserInput, askForText)
}

func (m *Machine) onInterrupt(in fsm.Input, ev fsm.UnexpectedInput) (fsm.Output, error) {
	if d, ok := ev.Message.(fsm.DialogMessage); ok && d.DialogID == fsm.DialogConversationReset {
		return m.onDialog(in, d)
	}
	return reply(in, in.Node, ev.Awaiting, stillLooking)
}

func (m *Machine) ask(in fsm.Input, question string) (fsm.Output, error) {
	call, err := fsm.NewRAGCall(question, stringConfig(in.Config, ConfigCollection), intConfig(in.Config, ConfigTopK, fsm.DefaultTopK))
	if err != nil {
		return fsm.Output{}, err
	}

	vars := in.Variables
	vars[VarLastQuery] = question
	vars[VarQuestions] = intValue(vars[VarQuestions], 0) + 1

	return fsm.Output{Node: NodeAsked, Status: fsm.WaitForCallback, Variables: vars, Actions: []fsm.Action{call}}, nil
}

func (m *Machine) callPlugin(in fsm.Input, command string) (fsm.Output, error) {
	name, args, _ := strings.Cut(strings.TrimPrefix(command, "/"), " ")
	input := map[string]any{"text": strings.TrimSpace(args)}
	if lang, ok := in.Variables[fsm.LanguageKey].(string); ok {
		input["language"] = lang
	}

	call, err := fsm.NewPluginCall(name, input)
	if err != nil {
		return reply(in, NodeStart, fsm.WaitForUserInput, askForText)
	}
	return fsm.Output{Node: NodePlugin, Status: fsm.WaitForPlugin, Variables: in.Variables, Actions: []fsm.Action{call}}, nil
}

func (m *Machine) onChunks(in fsm.Input, chunks []fsm.Chunk) (fsm.Output, error) {
	if len(chunks) == 0 {
		return reply(in, NodeFollowUp, fsm.MoveForward, noAnswer)
	}

	limit := intConfig(in.Config, ConfigMaxChunks, defaultMaxChunks)
	parts := make([]string, 0, limit)
	for _, c := range chunks {
		if len(parts) == limit {
			break
		}
		if text := strings.TrimSpace(c.Chunk); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return reply(in, NodeFollowUp, fsm.MoveForward, noAnswer)
	}
	return reply(in, NodeFollowUp, fsm.MoveForward, strings.Join(parts, "\n\n"))
}

func (m *Machine) onPlugin(in fsm.Input, payload map[string]any) (fsm.Output, error) {
	if text, ok := payload["reply"].(string); ok && strings.TrimSpace(text) != "" {
		return reply(in, NodeFollowUp, fsm.MoveForward, text)
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, payload[k]))
	}
	if len(lines) == 0 {
		return reply(in, NodeFollowUp, fsm.MoveForward, noAnswer)
	}
	return reply(in, NodeFollowUp, fsm.MoveForward, strings.Join(lines, "\n"))
}

func switchLanguage(in fsm.Input, lang string) (fsm.Output, error) {
	change, err := fsm.NewLanguageChange(strings.TrimSpace(lang))
	if err != nil {
		return reply(in, NodeStart, fsm.WaitForUserInput, askForText)
	}
	confirm, err := sendText("Language updated.")
	if err != nil {
		return fsm.Output{}, err
	}
	return fsm.Output{Node: NodeStart, Status: fsm.WaitForUserInput, Variables: in.Variables, Actions: []fsm.Action{change, confirm}}, nil
}

func reply(in fsm.Input, node string, status fsm.Status, body string) (fsm.Output, error) {
	send, err := sendText(body)
	if err != nil {
		return fsm.Output{}, err
	}
	return fsm.Output{Node: node, Status: status, Variables: in.Variables, Actions: []fsm.Action{send}}, nil
}

func sendText(body string) (fsm.Action, error) {
	msg, err := fsm.NewText(body)
	if err != nil {
		return nil, err
	}
	return fsm.NewSendMessage(msg)
}

func languages(config map[string]any) []string {
	raw, ok := config[ConfigLanguages].([]any)
	if !ok {
		return defaultLanguages
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultLanguages
	}
	return out
}

func stringConfig(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

func intConfig(config map[string]any, key string, fallback int) int {
	return intValue(config[key], fallback)
}

// intValue accepts the numeric shapes a JSON round trip can produce
func intValue(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

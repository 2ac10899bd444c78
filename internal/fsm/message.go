package fsm

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "conversation-orchestrator/backend/pkg/errors"
)

// MessageType discriminates the Message sum type
type MessageType string

// Message kinds
const (
	MessageText             MessageType = "text"
	MessageAudio            MessageType = "audio"
	MessageInteractive      MessageType = "interactive"
	MessageInteractiveReply MessageType = "interactive_reply"
	MessageForm             MessageType = "form"
	MessageFormReply        MessageType = "form_reply"
	MessageImage            MessageType = "image"
	MessageDocument         MessageType = "document"
	MessageDialog           MessageType = "dialog"
)

// DialogOption identifies a channel-level dialog
type DialogOption string

// Dialog options
const (
	DialogConversationReset DialogOption = "CONVERSATION_RESET"
	DialogLanguageChange    DialogOption = "LANGUAGE_CHANGE"
	DialogLanguageSelected  DialogOption = "LANGUAGE_SELECTED"
)

// Message is one of the concrete message kinds below. Values built as struct
// literals are checked again when wrapped in an action or encoded.
type Message interface {
	Type() MessageType
	Validate() error
	isMessage()
}

// Option is one selectable entry of an interactive message
type Option struct {
	OptionID   string `json:"option_id"`
	OptionText string `json:"option_text"`
}

// TextMessage is plain text with optional header and footer
type TextMessage struct {
	Header string `json:"header,omitempty"`
	Body   string `json:"body"`
	Footer string `json:"footer,omitempty"`
}

// AudioMessage references recorded audio
type AudioMessage struct {
	MediaURL string `json:"media_url"`
}

// ButtonMessage is an interactive message answered by tapping an option
type ButtonMessage struct {
	Header  string   `json:"header"`
	Body    string   `json:"body"`
	Footer  string   `json:"footer"`
	Options []Option `json:"options"`
}

// ListMessage is an interactive message whose options open from a button
type ListMessage struct {
	Header     string   `json:"header"`
	Body       string   `json:"body"`
	Footer     string   `json:"footer"`
	ButtonText string   `json:"button_text"`
	ListTitle  string   `json:"list_title"`
	Options    []Option `json:"options"`
}

// InteractiveReplyMessage carries the options a user picked
type InteractiveReplyMessage struct {
	Options []Option `json:"options"`
}

// FormMessage asks the channel to render a form
type FormMessage struct {
	Header string `json:"header"`
	Body   string `json:"body"`
	Footer string `json:"footer"`
	FormID string `json:"form_id"`
}

// FormReplyMessage carries submitted form fields
type FormReplyMessage struct {
	FormData map[string]string `json:"form_data"`
}

// ImageMessage references an image
type ImageMessage struct {
	URL     string `json:"url"`
	Caption string `json:"caption"`
}

// DocumentMessage references a document
type DocumentMessage struct {
	URL     string `json:"url"`
	Name    string `json:"name"`
	Caption string `json:"caption"`
}

// DialogMessage is a channel-level control such as a reset request
type DialogMessage struct {
	DialogID    DialogOption `json:"dialog_id"`
	DialogInput string       `json:"dialog_input,omitempty"`
}

func (TextMessage) Type() MessageType             { return MessageText }
func (AudioMessage) Type() MessageType            { return MessageAudio }
func (ButtonMessage) Type() MessageType           { return MessageInteractive }
func (ListMessage) Type() MessageType             { return MessageInteractive }
func (InteractiveReplyMessage) Type() MessageType { return MessageInteractiveReply }
func (FormMessage) Type() MessageType             { return MessageForm }
func (FormReplyMessage) Type() MessageType        { return MessageFormReply }
func (ImageMessage) Type() MessageType            { return MessageImage }
func (DocumentMessage) Type() MessageType         { return MessageDocument }
func (DialogMessage) Type() MessageType           { return MessageDialog }

func (TextMessage) isMessage()             {}
func (AudioMessage) isMessage()            {}
func (ButtonMessage) isMessage()           {}
func (ListMessage) isMessage()             {}
func (InteractiveReplyMessage) isMessage() {}
func (FormMessage) isMessage()             {}
func (FormReplyMessage) isMessage()        {}
func (ImageMessage) isMessage()            {}
func (DocumentMessage) isMessage()         {}
func (DialogMessage) isMessage()           {}

func invalidMessage(kind MessageType, field string) error {
	return apperrors.NewValidationError(
		"INVALID_MESSAGE",
		fmt.Sprintf("%s message requires %s", kind, field),
	).WithDetails(map[string]string{"message_type": string(kind), "field": field})
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func validateOptions(kind MessageType, options []Option) error {
	if len(options) == 0 {
		return invalidMessage(kind, "at least one option")
	}
	for _, o := range options {
		if blank(o.OptionID) || blank(o.OptionText) {
			return invalidMessage(kind, "option_id and option_text on every option")
		}
	}
	return nil
}

func validateFrame(kind MessageType, header, body, footer string) error {
	switch {
	case blank(header):
		return invalidMessage(kind, "header")
	case blank(body):
		return invalidMessage(kind, "body")
	case blank(footer):
		return invalidMessage(kind, "footer")
	}
	return nil
}

// Validate checks the fields required by the text kind
func (m TextMessage) Validate() error {
	if blank(m.Body) {
		return invalidMessage(MessageText, "body")
	}
	return nil
}

// Validate checks the fields required by the audio kind
func (m AudioMessage) Validate() error {
	if blank(m.MediaURL) {
		return invalidMessage(MessageAudio, "media_url")
	}
	return nil
}

// Validate checks the fields required by an interactive button message
func (m ButtonMessage) Validate() error {
	if err := validateFrame(MessageInteractive, m.Header, m.Body, m.Footer); err != nil {
		return err
	}
	return validateOptions(MessageInteractive, m.Options)
}

// Validate checks the fields required by an interactive list message
func (m ListMessage) Validate() error {
	if err := validateFrame(MessageInteractive, m.Header, m.Body, m.Footer); err != nil {
		return err
	}
	if blank(m.ButtonText) {
		return invalidMessage(MessageInteractive, "button_text")
	}
	if blank(m.ListTitle) {
		return invalidMessage(MessageInteractive, "list_title")
	}
	return validateOptions(MessageInteractive, m.Options)
}

// Validate checks the fields required by an interactive reply
func (m InteractiveReplyMessage) Validate() error {
	return validateOptions(MessageInteractiveReply, m.Options)
}

// Validate checks the fields required by the form kind
func (m FormMessage) Validate() error {
	if err := validateFrame(MessageForm, m.Header, m.Body, m.Footer); err != nil {
		return err
	}
	if blank(m.FormID) {
		return invalidMessage(MessageForm, "form_id")
	}
	return nil
}

// Validate checks the fields required by a form reply
func (m FormReplyMessage) Validate() error {
	if m.FormData == nil {
		return invalidMessage(MessageFormReply, "form_data")
	}
	return nil
}

// Validate checks the fields required by the image kind
func (m ImageMessage) Validate() error {
	if blank(m.URL) {
		return invalidMessage(MessageImage, "url")
	}
	return nil
}

// Validate checks the fields required by the document kind
func (m DocumentMessage) Validate() error {
	if blank(m.URL) {
		return invalidMessage(MessageDocument, "url")
	}
	if blank(m.Name) {
		return invalidMessage(MessageDocument, "name")
	}
	return nil
}

// Validate checks the dialog id and, for a language selection, the language
func (m DialogMessage) Validate() error {
	switch m.DialogID {
	case DialogConversationReset, DialogLanguageChange:
		return nil
	case DialogLanguageSelected:
		if blank(m.DialogInput) {
			return invalidMessage(MessageDialog, "dialog_input for LANGUAGE_SELECTED")
		}
		return nil
	}
	return invalidMessage(MessageDialog, "a known dialog_id")
}

func validated[M Message](m M) (M, error) {
	if err := m.Validate(); err != nil {
		var zero M
		return zero, err
	}
	return m, nil
}

// NewText builds a text message; the body must not be blank
func NewText(body string) (TextMessage, error) {
	return validated(TextMessage{Body: body})
}

// NewAudio builds an audio message
func NewAudio(mediaURL string) (AudioMessage, error) {
	return validated(AudioMessage{MediaURL: mediaURL})
}

// NewButton builds an interactive button message
func NewButton(header, body, footer string, options []Option) (ButtonMessage, error) {
	return validated(ButtonMessage{Header: header, Body: body, Footer: footer, Options: options})
}

// NewList builds an interactive list message
func NewList(header, body, footer, buttonText, listTitle string, options []Option) (ListMessage, error) {
	return validated(ListMessage{
		Header:     header,
		Body:       body,
		Footer:     footer,
		ButtonText: buttonText,
		ListTitle:  listTitle,
		Options:    options,
	})
}

// NewInteractiveReply builds the reply to an interactive message
func NewInteractiveReply(options []Option) (InteractiveReplyMessage, error) {
	return validated(InteractiveReplyMessage{Options: options})
}

// NewForm builds a form message
func NewForm(header, body, footer, formID string) (FormMessage, error) {
	return validated(FormMessage{Header: header, Body: body, Footer: footer, FormID: formID})
}

// NewFormReply builds a form submission
func NewFormReply(data map[string]string) (FormReplyMessage, error) {
	return validated(FormReplyMessage{FormData: data})
}

// NewImage builds an image message
func NewImage(url, caption string) (ImageMessage, error) {
	return validated(ImageMessage{URL: url, Caption: caption})
}

// NewDocument builds a document message
func NewDocument(url, name, caption string) (DocumentMessage, error) {
	return validated(DocumentMessage{URL: url, Name: name, Caption: caption})
}

// NewDialog builds a dialog message
func NewDialog(id DialogOption, input string) (DialogMessage, error) {
	return validated(DialogMessage{DialogID: id, DialogInput: input})
}

// interactivePayload is the shared wire shape of button and list messages
type interactivePayload struct {
	Header     string   `json:"header"`
	Body       string   `json:"body"`
	Footer     string   `json:"footer"`
	ButtonText string   `json:"button_text,omitempty"`
	ListTitle  string   `json:"list_title,omitempty"`
	Options    []Option `json:"options"`
}

type wireMessage struct {
	MessageType      MessageType              `json:"message_type"`
	Text             *TextMessage             `json:"text,omitempty"`
	Audio            *AudioMessage            `json:"audio,omitempty"`
	Interactive      *interactivePayload      `json:"interactive,omitempty"`
	InteractiveReply *InteractiveReplyMessage `json:"interactive_reply,omitempty"`
	Form             *FormMessage             `json:"form,omitempty"`
	FormReply        *FormReplyMessage        `json:"form_reply,omitempty"`
	Image            *ImageMessage            `json:"image,omitempty"`
	Document         *DocumentMessage         `json:"document,omitempty"`
	Dialog           *DialogMessage           `json:"dialog,omitempty"`
}

// EncodeMessage validates m and renders it as {"message_type": kind, kind: {...}}
func EncodeMessage(m Message) (json.RawMessage, error) {
	if m == nil {
		return nil, apperrors.NewValidationError("INVALID_MESSAGE", "message is required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	w := wireMessage{MessageType: m.Type()}
	switch v := m.(type) {
	case TextMessage:
		w.Text = &v
	case AudioMessage:
		w.Audio = &v
	case ButtonMessage:
		w.Interactive = &interactivePayload{Header: v.Header, Body: v.Body, Footer: v.Footer, Options: v.Options}
	case ListMessage:
		w.Interactive = &interactivePayload{
			Header:     v.Header,
			Body:       v.Body,
			Footer:     v.Footer,
			ButtonText: v.ButtonText,
			ListTitle:  v.ListTitle,
			Options:    v.Options,
		}
	case InteractiveReplyMessage:
		w.InteractiveReply = &v
	case FormMessage:
		w.Form = &v
	case FormReplyMessage:
		w.FormReply = &v
	case ImageMessage:
		w.Image = &v
	case DocumentMessage:
		w.Document = &v
	case DialogMessage:
		w.Dialog = &v
	default:
		return nil, apperrors.NewValidationError("INVALID_MESSAGE", fmt.Sprintf("unsupported message %T", m))
	}

	return json.Marshal(w)
}

// DecodeMessage parses the wire form, dispatching on message_type, and
// validates the result through the same rules as the constructors
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, apperrors.NewValidationError("INVALID_MESSAGE", "message is not valid JSON").WithDetails(err.Error())
	}

	missing := func() error {
		return invalidMessage(w.MessageType, string(w.MessageType)+" payload")
	}

	var m Message
	switch w.MessageType {
	case MessageText:
		if w.Text == nil {
			return nil, missing()
		}
		m = *w.Text
	case MessageAudio:
		if w.Audio == nil {
			return nil, missing()
		}
		m = *w.Audio
	case MessageInteractive:
		if w.Interactive == nil {
			return nil, missing()
		}
		p := w.Interactive
		if p.ButtonText != "" || p.ListTitle != "" {
			m = ListMessage{
				Header:     p.Header,
				Body:       p.Body,
				Footer:     p.Footer,
				ButtonText: p.ButtonText,
				ListTitle:  p.ListTitle,
				Options:    p.Options,
			}
		} else {
			m = ButtonMessage{Header: p.Header, Body: p.Body, Footer: p.Footer, Options: p.Options}
		}
	case MessageInteractiveReply:
		if w.InteractiveReply == nil {
			return nil, missing()
		}
		m = *w.InteractiveReply
	case MessageForm:
		if w.Form == nil {
			return nil, missing()
		}
		m = *w.Form
	case MessageFormReply:
		if w.FormReply == nil {
			return nil, missing()
		}
		m = *w.FormReply
	case MessageImage:
		if w.Image == nil {
			return nil, missing()
		}
		m = *w.Image
	case MessageDocument:
		if w.Document == nil {
			return nil, missing()
		}
		m = *w.Document
	case MessageDialog:
		if w.Dialog == nil {
			return nil, missing()
		}
		m = *w.Dialog
	default:
		return nil, apperrors.NewValidationError(
			"INVALID_MESSAGE",
			fmt.Sprintf("unknown message_type %q", w.MessageType),
		)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

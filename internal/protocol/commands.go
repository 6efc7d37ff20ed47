package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandType discriminates the Command variants.
type CommandType string

const (
	TypeRunScript         CommandType = "runScript"
	TypeGetDom            CommandType = "getDom"
	TypeNavigate          CommandType = "navigate"
	TypePing              CommandType = "ping"
	TypeScreenshot        CommandType = "screenshot"
	TypeDiscoverSelectors CommandType = "discoverSelectors"
)

// CommandTypes lists every variant in a stable order.
var CommandTypes = []CommandType{
	TypeRunScript, TypeGetDom, TypeNavigate, TypePing, TypeScreenshot, TypeDiscoverSelectors,
}

// ErrUnknownCommandType is returned when decoding a command with an
// unrecognized type tag.
var ErrUnknownCommandType = errors.New("unknown command type")

// Command is the closed set of operations a page can execute. Only the
// variants in this package implement it.
type Command interface {
	Type() CommandType
	CommandID() string
	// Timeout is the command's own deadline, zero when unset.
	Timeout() time.Duration
	setID(id string)
}

// EnsureID assigns a fresh id when the command has none and returns the id.
func EnsureID(c Command) string {
	if c.CommandID() == "" {
		c.setID(uuid.NewString())
	}
	return c.CommandID()
}

// NewCommandID returns a fresh command id.
func NewCommandID() string {
	return uuid.NewString()
}

type RunScript struct {
	ID             string `json:"id"`
	Code           string `json:"code" validate:"required"`
	TimeoutMs      int    `json:"timeoutMs,omitempty" validate:"gte=0"`
	CaptureConsole bool   `json:"captureConsole,omitempty"`
}

type GetDom struct {
	ID               string `json:"id"`
	Selector         string `json:"selector,omitempty"`
	IncludeShadowDom bool   `json:"includeShadowDom,omitempty"`
}

type Navigate struct {
	ID  string `json:"id"`
	URL string `json:"url" validate:"required"`
}

type Ping struct {
	ID string `json:"id"`
}

type ScreenshotMode string

const (
	ScreenshotFull    ScreenshotMode = "full"
	ScreenshotElement ScreenshotMode = "element"
)

// ScreenshotHook runs before a capture. Type is one of scrollIntoView,
// waitForSelector, waitForIdle, wait or script.
type ScreenshotHook struct {
	Type       string `json:"type" validate:"required,oneof=scrollIntoView waitForSelector waitForIdle wait script"`
	Selector   string `json:"selector,omitempty"`
	Behavior   string `json:"behavior,omitempty"`
	Block      string `json:"block,omitempty"`
	Visibility string `json:"visibility,omitempty"`
	TimeoutMs  int    `json:"timeoutMs,omitempty"`
	FrameCount int    `json:"frameCount,omitempty"`
	Ms         int    `json:"ms,omitempty"`
	Code       string `json:"code,omitempty"`
}

type Screenshot struct {
	ID        string           `json:"id"`
	Mode      ScreenshotMode   `json:"mode" validate:"required,oneof=full element"`
	Selector  string           `json:"selector,omitempty" validate:"required_if=Mode element"`
	Quality   *float64         `json:"quality,omitempty" validate:"omitempty,gte=0,lte=1"`
	TimeoutMs int              `json:"timeoutMs,omitempty" validate:"gte=0"`
	Renderer  string           `json:"renderer,omitempty" validate:"omitempty,oneof=auto puppeteer html2canvas html-to-image"`
	Hooks     []ScreenshotHook `json:"hooks,omitempty" validate:"omitempty,dive"`
}

// EffectiveQuality clamps the requested quality into [0,1], defaulting to 0.92.
func (c *Screenshot) EffectiveQuality() float64 {
	if c.Quality == nil {
		return 0.92
	}
	q := *c.Quality
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}

type DiscoverSelectors struct {
	ID            string `json:"id"`
	ScopeSelector string `json:"scopeSelector,omitempty"`
	Limit         int    `json:"limit,omitempty" validate:"gte=0,lte=500"`
	IncludeHidden bool   `json:"includeHidden,omitempty"`
}

func (c *RunScript) Type() CommandType         { return TypeRunScript }
func (c *GetDom) Type() CommandType            { return TypeGetDom }
func (c *Navigate) Type() CommandType          { return TypeNavigate }
func (c *Ping) Type() CommandType              { return TypePing }
func (c *Screenshot) Type() CommandType        { return TypeScreenshot }
func (c *DiscoverSelectors) Type() CommandType { return TypeDiscoverSelectors }

func (c *RunScript) CommandID() string         { return c.ID }
func (c *GetDom) CommandID() string            { return c.ID }
func (c *Navigate) CommandID() string          { return c.ID }
func (c *Ping) CommandID() string              { return c.ID }
func (c *Screenshot) CommandID() string        { return c.ID }
func (c *DiscoverSelectors) CommandID() string { return c.ID }

func (c *RunScript) setID(id string)         { c.ID = id }
func (c *GetDom) setID(id string)            { c.ID = id }
func (c *Navigate) setID(id string)          { c.ID = id }
func (c *Ping) setID(id string)              { c.ID = id }
func (c *Screenshot) setID(id string)        { c.ID = id }
func (c *DiscoverSelectors) setID(id string) { c.ID = id }

func (c *RunScript) Timeout() time.Duration  { return time.Duration(c.TimeoutMs) * time.Millisecond }
func (c *Screenshot) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }
func (c *GetDom) Timeout() time.Duration     { return 0 }
func (c *Navigate) Timeout() time.Duration   { return 0 }
func (c *Ping) Timeout() time.Duration       { return 0 }
func (c *DiscoverSelectors) Timeout() time.Duration {
	return 0
}

// The MarshalJSON methods add the type tag so a Command round-trips through
// DecodeCommand.

func (c *RunScript) MarshalJSON() ([]byte, error) {
	type body RunScript
	return json.Marshal(struct {
		Type CommandType `json:"type"`
		*body
	}{TypeRunScript, (*body)(c)})
}

func (c *GetDom) MarshalJSON() ([]byte, error) {
	type body GetDom
	return json.Marshal(struct {
		Type CommandType `json:"type"`
		*body
	}{TypeGetDom, (*body)(c)})
}

func (c *Navigate) MarshalJSON() ([]byte, error) {
	type body Navigate
	return json.Marshal(struct {
		Type CommandType `json:"type"`
		*body
	}{TypeNavigate, (*body)(c)})
}

func (c *Ping) MarshalJSON() ([]byte, error) {
	type body Ping
	return json.Marshal(struct {
		Type CommandType `json:"type"`
		*body
	}{TypePing, (*body)(c)})
}

func (c *Screenshot) MarshalJSON() ([]byte, error) {
	type body Screenshot
	return json.Marshal(struct {
		Type CommandType `json:"type"`
		*body
	}{TypeScreenshot, (*body)(c)})
}

func (c *DiscoverSelectors) MarshalJSON() ([]byte, error) {
	type body DiscoverSelectors
	return json.Marshal(struct {
		Type CommandType `json:"type"`
		*body
	}{TypeDiscoverSelectors, (*body)(c)})
}

// NewCommand returns an empty value of the variant named by t.
func NewCommand(t CommandType) (Command, error) {
	switch t {
	case TypeRunScript:
		return &RunScript{}, nil
	case TypeGetDom:
		return &GetDom{}, nil
	case TypeNavigate:
		return &Navigate{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypeScreenshot:
		return &Screenshot{}, nil
	case TypeDiscoverSelectors:
		return &DiscoverSelectors{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommandType, t)
	}
}

// DecodeCommand decodes a tagged command object.
func DecodeCommand(data []byte) (Command, error) {
	var tag struct {
		Type CommandType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	cmd, err := NewCommand(tag.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("decode %s command: %w", tag.Type, err)
	}
	return cmd, nil
}

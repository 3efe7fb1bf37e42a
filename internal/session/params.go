package session

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// DefaultSchemes are the network source schemes accepted when none are configured.
var DefaultSchemes = []string{"rtmp", "rtmps", "rtsp", "rtsps", "srt", "udp", "http", "https"}

const defaultCodec = "copy"

var codecPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Params describes what a session relays.
type Params struct {
	// Source is a local file path, a file:// URL or a network URL.
	Source string `json:"source" validate:"required,max=2048"`
	// VideoCodec and AudioCodec default to "copy".
	VideoCodec string `json:"video_codec,omitempty" validate:"omitempty,codec"`
	AudioCodec string `json:"audio_codec,omitempty" validate:"omitempty,codec"`
	// Loop replays a file source forever.
	Loop bool `json:"loop,omitempty"`
	// Realtime paces input reading at native rate. Defaults to true for
	// file sources and false for network sources.
	Realtime *bool `json:"realtime,omitempty"`
	// InputTransport selects the RTSP transport for rtsp(s) sources.
	InputTransport string `json:"input_transport,omitempty" validate:"omitempty,oneof=tcp udp"`
}

// SourceKind classifies a validated source.
type SourceKind string

const (
	SourceFile    SourceKind = "file"
	SourceNetwork SourceKind = "network"
)

// Source is a validated, resolved source.
type Source struct {
	Kind SourceKind
	// Scheme is empty for file sources.
	Scheme string
	// Input is what the relay process reads: a file path or the URL as given.
	Input string
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		if err := v.RegisterValidation("codec", func(fl validator.FieldLevel) bool {
			return codecPattern.MatchString(fl.Field().String())
		}); err != nil {
			panic(err)
		}
		validate = v
	})
	return validate
}

// validateStruct runs tag validation and converts the first failure.
func validateStruct(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Reason: tagReason(fe)}
	}
	return &ValidationError{Field: "body", Reason: err.Error()}
}

func tagReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "codec":
		return "must be a codec name of letters, digits, '-' or '_'"
	case "url":
		return "must be a URL"
	}
	return "failed " + fe.Tag() + " check"
}

// Resolve validates p and resolves its source. File sources must exist;
// network sources must use one of the allowed schemes.
func (p Params) Resolve(allowed []string) (Source, error) {
	if err := validateStruct(p); err != nil {
		return Source{}, err
	}
	src, err := ResolveSource(p.Source, allowed)
	if err != nil {
		return Source{}, err
	}
	if p.Loop && src.Kind != SourceFile {
		return Source{}, &ValidationError{Field: "loop", Reason: "only applies to file sources"}
	}
	if p.InputTransport != "" && src.Scheme != "rtsp" && src.Scheme != "rtsps" {
		return Source{}, &ValidationError{Field: "input_transport", Reason: "only applies to rtsp sources"}
	}
	return src, nil
}

func (p Params) videoCodec() string {
	if p.VideoCodec == "" {
		return defaultCodec
	}
	return p.VideoCodec
}

func (p Params) audioCodec() string {
	if p.AudioCodec == "" {
		return defaultCodec
	}
	return p.AudioCodec
}

func (p Params) realtime(src Source) bool {
	if p.Realtime != nil {
		return *p.Realtime
	}
	return src.Kind == SourceFile
}

// ResolveSource classifies source and checks it is safe to hand to a process.
func ResolveSource(source string, allowed []string) (Source, error) {
	if len(allowed) == 0 {
		allowed = DefaultSchemes
	}
	if source == "" {
		return Source{}, &ValidationError{Field: "source", Reason: "is required"}
	}
	if strings.HasPrefix(source, "-") {
		return Source{}, &ValidationError{Field: "source", Reason: "must not start with '-'"}
	}
	if strings.TrimSpace(source) != source || strings.IndexFunc(source, unicode.IsControl) >= 0 {
		return Source{}, &ValidationError{Field: "source", Reason: "contains control characters or surrounding whitespace"}
	}

	u, err := url.Parse(source)
	if err != nil || len(u.Scheme) < 2 {
		return resolveFile(source)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "file" {
		if u.Host != "" && u.Host != "localhost" {
			return Source{}, &ValidationError{Field: "source", Reason: "file URL must not name a remote host"}
		}
		return resolveFile(u.Path)
	}
	if !slices.Contains(allowed, scheme) {
		return Source{}, &ValidationError{Field: "source", Reason: fmt.Sprintf("unsupported scheme %q", scheme)}
	}
	if u.Host == "" {
		return Source{}, &ValidationError{Field: "source", Reason: "network URL must include a host"}
	}
	return Source{Kind: SourceNetwork, Scheme: scheme, Input: source}, nil
}

func resolveFile(path string) (Source, error) {
	if path == "" {
		return Source{}, &ValidationError{Field: "source", Reason: "file path is empty"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, &ValidationError{Field: "source", Reason: "file not found: " + path}
	}
	if info.IsDir() {
		return Source{}, &ValidationError{Field: "source", Reason: "is a directory: " + path}
	}
	return Source{Kind: SourceFile, Input: path}, nil
}

package session

import (
	"fmt"
	"net/url"
	"strings"
)

// ProcessSpec is one process a session should run.
type ProcessSpec struct {
	Role    Role
	Command []string
}

// Request is a validated start request handed to a Planner.
type Request struct {
	Key    StreamKey
	Params Params
	Source Source
}

// Planner turns a start request into the processes to spawn, primary first.
type Planner interface {
	Plan(req Request) ([]ProcessSpec, error)
}

// FFmpegPlanner relays the source into the routing backend with ffmpeg.
type FFmpegPlanner struct {
	Binary   string
	LogLevel string
	// PublishURL is where the relay pushes, e.g. rtsp://mediamtx:8554.
	PublishURL string
	Namespace  string
	// CompatCommand, when set, adds a second cooperating process. "{key}",
	// "{path}" and "{target}" are substituted in every argument.
	CompatCommand []string
}

// Target returns the publish URL for key.
func (f FFmpegPlanner) Target(key StreamKey) string {
	return strings.TrimRight(f.PublishURL, "/") + "/" + key.PathName(f.Namespace)
}

func (f FFmpegPlanner) Plan(req Request) ([]ProcessSpec, error) {
	format, err := outputFormat(f.PublishURL)
	if err != nil {
		return nil, err
	}
	target := f.Target(req.Key)

	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	level := f.LogLevel
	if level == "" {
		level = "warning"
	}

	args := []string{bin, "-hide_banner", "-nostdin", "-loglevel", level}
	if req.Params.realtime(req.Source) {
		args = append(args, "-re")
	}
	if req.Params.Loop {
		args = append(args, "-stream_loop", "-1")
	}
	if req.Params.InputTransport != "" {
		args = append(args, "-rtsp_transport", req.Params.InputTransport)
	}
	args = append(args,
		"-i", req.Source.Input,
		"-c:v", req.Params.videoCodec(),
		"-c:a", req.Params.audioCodec(),
	)
	if format == "rtsp" {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, "-f", format, target)

	specs := []ProcessSpec{{Role: RolePrimary, Command: args}}
	if len(f.CompatCommand) > 0 {
		r := strings.NewReplacer(
			"{key}", string(req.Key),
			"{path}", req.Key.PathName(f.Namespace),
			"{target}", target,
		)
		compat := make([]string, len(f.CompatCommand))
		for i, a := range f.CompatCommand {
			compat[i] = r.Replace(a)
		}
		specs = append(specs, ProcessSpec{Role: RoleCompat, Command: compat})
	}
	return specs, nil
}

// outputFormat picks the ffmpeg muxer for the publish URL's scheme.
func outputFormat(publish string) (string, error) {
	u, err := url.Parse(publish)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid publish url %q", publish)
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps":
		return "rtsp", nil
	case "rtmp", "rtmps":
		return "flv", nil
	case "srt":
		return "mpegts", nil
	}
	return "", fmt.Errorf("unsupported publish scheme %q", u.Scheme)
}

package backend

import (
	"fmt"

	"github.com/inferlab/slabrun/internal/payload"
)

// Op names recognized by the first-party backends.
const (
	OpModelLoad       = "model.load"
	OpModelUnload     = "model.unload"
	OpModelReload     = "model.reload"
	OpInference       = "inference"
	OpInferenceStream = "inference.stream"
	OpInferenceImage  = "inference_image"
)

// Op describes one backend operation: its name and a JSON (typically)
// options payload.
type Op struct {
	Name    string
	Options payload.Payload
}

// Request is dispatched by a stage into a backend's ingress channel. Cancel
// is closed when the requesting task is cancelled; backends should observe
// it and abort early where practical. Reply must be sent to exactly once.
type Request struct {
	Op     Op
	Input  payload.Payload
	Cancel <-chan struct{}
	Reply  chan<- Reply
}

// Reply is the single message a backend worker sends back for a Request.
// Exactly one of the fields is meaningful, selected by Kind.
type Reply struct {
	Kind  ReplyKind
	Value payload.Payload
	// Stream is populated only when Kind == ReplyStream.
	Stream <-chan StreamChunk
	// Err is populated only when Kind == ReplyError.
	Err string
}

// ReplyKind discriminates a Reply.
type ReplyKind int

const (
	ReplyValue ReplyKind = iota
	ReplyStream
	ReplyError
)

// ValueReply builds a successful unary reply.
func ValueReply(v payload.Payload) Reply {
	return Reply{Kind: ReplyValue, Value: v}
}

// StreamReply builds a successful streaming reply.
func StreamReply(ch <-chan StreamChunk) Reply {
	return Reply{Kind: ReplyStream, Stream: ch}
}

// ErrorReply builds a failure reply.
func ErrorReply(msg string) Reply {
	return Reply{Kind: ReplyError, Err: msg}
}

// StreamChunk is one element of a backend streaming reply. A producer sends
// zero or more Token/Image chunks, then exactly one Done or Error, then
// closes the channel.
type StreamChunk struct {
	Kind  ChunkKind
	Token string
	Image []byte
	Err   string
}

// ChunkKind discriminates a StreamChunk.
type ChunkKind int

const (
	ChunkToken ChunkKind = iota
	ChunkImage
	ChunkDone
	ChunkError
)

func TokenChunk(s string) StreamChunk { return StreamChunk{Kind: ChunkToken, Token: s} }
func ImageChunk(b []byte) StreamChunk { return StreamChunk{Kind: ChunkImage, Image: b} }
func DoneChunk() StreamChunk          { return StreamChunk{Kind: ChunkDone} }
func ErrChunk(msg string) StreamChunk { return StreamChunk{Kind: ChunkError, Err: msg} }

// WorkerCommand carries the model.load/model.reload/model.unload directive
// decoded from a BackendOp.Options payload down to a backend's own
// model-lifecycle handling. LibPath names the native inference library to
// (re)load (meaningful for an in-process backend like the continuous-batching
// llm engine); ModelPath names the model weights/checkpoint to load, which
// for an HTTP-fronted backend like vLLM is the only field that applies.
type WorkerCommand struct {
	Kind      WorkerCommandKind
	LibPath   string
	ModelPath string
}

// WorkerCommandKind discriminates a WorkerCommand.
type WorkerCommandKind int

const (
	CmdLoadLibrary WorkerCommandKind = iota
	CmdReloadLibrary
	CmdLoadModel
	CmdUnload
)

func (k WorkerCommandKind) String() string {
	switch k {
	case CmdLoadLibrary:
		return "load_library"
	case CmdReloadLibrary:
		return "reload_library"
	case CmdLoadModel:
		return "load_model"
	case CmdUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// ValidateWorkerCommand checks that cmd carries the fields its Kind
// requires. CmdLoadLibrary and CmdReloadLibrary need a native library to
// (re)load; CmdLoadModel needs only a model path; CmdUnload needs neither.
func ValidateWorkerCommand(cmd WorkerCommand) error {
	switch cmd.Kind {
	case CmdLoadLibrary, CmdReloadLibrary:
		if cmd.LibPath == "" {
			return fmt.Errorf("backend: %s requires lib_path", cmd.Kind)
		}
	case CmdLoadModel:
		if cmd.ModelPath == "" {
			return fmt.Errorf("backend: %s requires model_path", cmd.Kind)
		}
	case CmdUnload:
	default:
		return fmt.Errorf("backend: unrecognized worker command kind %d", cmd.Kind)
	}
	return nil
}

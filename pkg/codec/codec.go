// Package codec encodes chain messages to and from their protobuf wire form. Callers only handle
// ProtoMessage values (a type URL and opaque bytes), so the serialization library backing a message
// type can change without breaking them.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	gogoproto "github.com/cosmos/gogoproto/proto"
	"github.com/rotisserie/eris"
	protov2 "google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

// ErrEncoding is the sentinel wrapped by every EncodingError.
var ErrEncoding = errors.New("encoding error")

// Message is satisfied by gogoproto and APIv2 generated message types alike.
type Message interface {
	ProtoMessage()
	Reset()
	String() string
}

// ProtoMessage is an encoded message tagged with its type URL.
type ProtoMessage struct {
	TypeURL string
	Value   []byte
}

// EncodingError reports a message that could not be encoded or decoded.
type EncodingError struct {
	TypeURL string
	Op      string
	Err     error
}

func (e *EncodingError) Error() string {
	msg := fmt.Sprintf("failed to %s %q", e.Op, e.TypeURL)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EncodingError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEncoding}
	}
	return []error{ErrEncoding, e.Err}
}

// Codec maps type URLs to message types. The zero value is not usable, use New.
type Codec struct {
	mu    sync.RWMutex
	types map[string]reflect.Type

	// strict disables the fallback to the global gogoproto and APIv2 registries.
	strict bool
}

type Option func(*Codec)

// WithStrict restricts decoding to explicitly registered types.
func WithStrict() Option {
	return func(c *Codec) {
		c.strict = true
	}
}

// New returns a codec with no registered types.
func New(opts ...Option) *Codec {
	c := &Codec{types: make(map[string]reflect.Type)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds message types. Prototypes must be pointers to generated structs.
func (c *Codec) Register(prototypes ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range prototypes {
		typ := reflect.TypeOf(msg)
		if typ == nil || typ.Kind() != reflect.Pointer {
			panic(fmt.Sprintf("codec: prototype %T must be a pointer", msg))
		}
		c.types[TypeURL(msg)] = typ
	}
}

// Registered lists the explicitly registered type URLs in sorted order.
func (c *Codec) Registered() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	urls := make([]string, 0, len(c.types))
	for url := range c.types {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// TypeURL returns the "/"-prefixed fully qualified name of msg.
func TypeURL(msg Message) string {
	if m, ok := msg.(protoreflect.ProtoMessage); ok {
		return "/" + string(m.ProtoReflect().Descriptor().FullName())
	}
	return "/" + gogoproto.MessageName(msg)
}

// Encode serializes msg deterministically.
func (c *Codec) Encode(msg Message) (ProtoMessage, error) {
	if v := reflect.ValueOf(msg); msg == nil || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return ProtoMessage{}, &EncodingError{Op: "encode", Err: eris.New("nil message")}
	}
	url := TypeURL(msg)
	if url == "/" {
		return ProtoMessage{}, &EncodingError{Op: "encode", TypeURL: fmt.Sprintf("%T", msg),
			Err: eris.New("message type has no registered name")}
	}
	bz, err := c.Marshal(msg)
	if err != nil {
		return ProtoMessage{}, err
	}
	return ProtoMessage{TypeURL: url, Value: bz}, nil
}

// MustEncode is Encode for messages known to be valid, such as those built in code.
func (c *Codec) MustEncode(msg Message) ProtoMessage {
	pm, err := c.Encode(msg)
	if err != nil {
		panic(err)
	}
	return pm
}

// Decode reconstructs the message identified by pm.TypeURL.
func (c *Codec) Decode(pm ProtoMessage) (Message, error) {
	msg, err := c.New(pm.TypeURL)
	if err != nil {
		return nil, err
	}
	if err := c.Unmarshal(pm.Value, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// New allocates an empty message for url.
func (c *Codec) New(url string) (Message, error) {
	if !strings.HasPrefix(url, "/") {
		url = "/" + url
	}

	c.mu.RLock()
	typ, ok := c.types[url]
	c.mu.RUnlock()
	if ok {
		return reflect.New(typ.Elem()).Interface().(Message), nil //nolint:forcetypeassert // checked at Register
	}

	if !c.strict {
		name := strings.TrimPrefix(url, "/")
		if typ := gogoproto.MessageType(name); typ != nil && typ.Kind() == reflect.Pointer {
			if msg, ok := reflect.New(typ.Elem()).Interface().(Message); ok {
				return msg, nil
			}
		}
		if mt, err := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(name)); err == nil {
			if msg, ok := mt.New().Interface().(Message); ok {
				return msg, nil
			}
		}
	}
	return nil, &EncodingError{Op: "decode", TypeURL: url, Err: eris.New("unknown type url")}
}

// Marshal serializes msg without tagging it.
func (c *Codec) Marshal(msg Message) ([]byte, error) {
	var (
		bz  []byte
		err error
	)
	if m, ok := msg.(protoreflect.ProtoMessage); ok {
		bz, err = protov2.MarshalOptions{Deterministic: true}.Marshal(m)
	} else {
		bz, err = gogoproto.Marshal(msg)
	}
	if err != nil {
		return nil, &EncodingError{Op: "encode", TypeURL: TypeURL(msg), Err: err}
	}
	return bz, nil
}

// Unmarshal decodes bz into msg, replacing its contents.
func (c *Codec) Unmarshal(bz []byte, msg Message) error {
	var err error
	if m, ok := msg.(protoreflect.ProtoMessage); ok {
		err = protov2.Unmarshal(bz, m)
	} else {
		err = gogoproto.Unmarshal(bz, msg)
	}
	if err != nil {
		return &EncodingError{Op: "decode", TypeURL: TypeURL(msg), Err: err}
	}
	return nil
}

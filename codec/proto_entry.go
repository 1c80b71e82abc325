package codec

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/unkn0wn-root/offcache/storage"
)

// ProtoEntry stores entries as google.protobuf.Struct messages, for stores
// that are also read by non-Go tooling that already speaks protobuf.
// The zero value is ready to use.
type ProtoEntry struct{}

var _ Codec[storage.Entry] = ProtoEntry{}

var structCodec = NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })

func (ProtoEntry) Encode(e storage.Entry) ([]byte, error) {
	header := make(map[string]any, len(e.Header))
	for k, vs := range e.Header {
		list := make([]any, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		header[k] = list
	}
	s, err := structpb.NewStruct(map[string]any{
		"method":    e.Method,
		"url":       e.URL,
		"status":    e.Status,
		"header":    header,
		"body":      base64.StdEncoding.EncodeToString(e.Body),
		"stored_at": e.StoredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("proto entry: %w", err)
	}
	return structCodec.Encode(s)
}

func (ProtoEntry) Decode(b []byte) (storage.Entry, error) {
	s, err := structCodec.Decode(b)
	if err != nil {
		return storage.Entry{}, err
	}
	f := s.GetFields()

	e := storage.Entry{
		Method: f["method"].GetStringValue(),
		URL:    f["url"].GetStringValue(),
		Status: int(f["status"].GetNumberValue()),
	}
	if h := f["header"].GetStructValue(); h != nil && len(h.GetFields()) > 0 {
		e.Header = make(http.Header, len(h.GetFields()))
		for k, v := range h.GetFields() {
			for _, item := range v.GetListValue().GetValues() {
				e.Header[k] = append(e.Header[k], item.GetStringValue())
			}
		}
	}
	if body := f["body"].GetStringValue(); body != "" {
		if e.Body, err = base64.StdEncoding.DecodeString(body); err != nil {
			return storage.Entry{}, fmt.Errorf("proto entry body: %w", err)
		}
	}
	if ts := f["stored_at"].GetStringValue(); ts != "" {
		if e.StoredAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return storage.Entry{}, fmt.Errorf("proto entry stored_at: %w", err)
		}
	}
	return e, nil
}

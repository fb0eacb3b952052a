package serverset

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Codec encodes and decodes ServiceInstance values for publication on a
// member node. Encode/Decode must round-trip: decode(encode(i)) == i.
type Codec interface {
	Encode(ServiceInstance) ([]byte, error)
	Decode([]byte) (ServiceInstance, error)
}

// JSONCodec is the default wire codec, per spec.md §6.2: the exact key
// order (serviceEndpoint, additionalEndpoints, status, shard) is fixed by
// this struct's field order, and shard is omitted entirely (not null) when
// absent.
type JSONCodec struct{}

type wireEndpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type wireInstance struct {
	ServiceEndpoint     wireEndpoint            `json:"serviceEndpoint"`
	AdditionalEndpoints map[string]wireEndpoint `json:"additionalEndpoints"`
	Status              string                  `json:"status"`
	Shard               *int                    `json:"shard,omitempty"`
}

// Encode implements Codec.
func (JSONCodec) Encode(i ServiceInstance) ([]byte, error) {
	w := wireInstance{
		ServiceEndpoint:     wireEndpoint(i.ServiceEndpoint),
		AdditionalEndpoints: make(map[string]wireEndpoint, len(i.AdditionalEndpoints)),
		Status:              string(i.Status),
		Shard:               i.Shard,
	}
	for name, ep := range i.AdditionalEndpoints {
		w.AdditionalEndpoints[name] = wireEndpoint(ep)
	}
	return json.Marshal(w)
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (ServiceInstance, error) {
	var w wireInstance
	if err := json.Unmarshal(data, &w); err != nil {
		return ServiceInstance{}, fmt.Errorf("serverset: decode json instance: %w", err)
	}
	i := ServiceInstance{
		ServiceEndpoint: Endpoint(w.ServiceEndpoint),
		Status:          Status(w.Status),
		Shard:           w.Shard,
	}
	if len(w.AdditionalEndpoints) > 0 {
		i.AdditionalEndpoints = make(map[string]Endpoint, len(w.AdditionalEndpoints))
		for name, ep := range w.AdditionalEndpoints {
			i.AdditionalEndpoints[name] = Endpoint(ep)
		}
	}
	return i, nil
}

// BinaryCodec is a compact fixed-schema encoding occupying the same shape a
// Thrift binary protocol struct would: length-prefixed UTF-8 strings and
// big-endian integers, no field ids since the schema never varies.
type BinaryCodec struct{}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func writeEndpoint(buf *bytes.Buffer, e Endpoint) {
	writeString(buf, e.Host)
	var portBuf [4]byte
	binary.BigEndian.PutUint32(portBuf[:], uint32(e.Port))
	buf.Write(portBuf[:])
}

func readEndpoint(r *bytes.Reader) (Endpoint, error) {
	host, err := readString(r)
	if err != nil {
		return Endpoint{}, err
	}
	var portBuf [4]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: host, Port: int(int32(binary.BigEndian.Uint32(portBuf[:])))}, nil
}

// Encode implements Codec. Layout: serviceEndpoint, uint32 count of
// additional endpoints then (name, endpoint) pairs, status string, uint8
// hasShard flag, int32 shard (present only when hasShard is 1).
func (BinaryCodec) Encode(i ServiceInstance) ([]byte, error) {
	var buf bytes.Buffer
	writeEndpoint(&buf, i.ServiceEndpoint)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(i.AdditionalEndpoints)))
	buf.Write(countBuf[:])
	for name, ep := range i.AdditionalEndpoints {
		writeString(&buf, name)
		writeEndpoint(&buf, ep)
	}

	writeString(&buf, string(i.Status))

	if i.Shard != nil {
		buf.WriteByte(1)
		var shardBuf [4]byte
		binary.BigEndian.PutUint32(shardBuf[:], uint32(int32(*i.Shard)))
		buf.Write(shardBuf[:])
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (BinaryCodec) Decode(data []byte) (ServiceInstance, error) {
	r := bytes.NewReader(data)
	var i ServiceInstance

	ep, err := readEndpoint(r)
	if err != nil {
		return ServiceInstance{}, fmt.Errorf("serverset: decode binary instance: %w", err)
	}
	i.ServiceEndpoint = ep

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return ServiceInstance{}, fmt.Errorf("serverset: decode binary instance: %w", err)
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	if count > 0 {
		i.AdditionalEndpoints = make(map[string]Endpoint, count)
		for n := uint32(0); n < count; n++ {
			name, err := readString(r)
			if err != nil {
				return ServiceInstance{}, fmt.Errorf("serverset: decode binary instance: %w", err)
			}
			aep, err := readEndpoint(r)
			if err != nil {
				return ServiceInstance{}, fmt.Errorf("serverset: decode binary instance: %w", err)
			}
			i.AdditionalEndpoints[name] = aep
		}
	}

	status, err := readString(r)
	if err != nil {
		return ServiceInstance{}, fmt.Errorf("serverset: decode binary instance: %w", err)
	}
	i.Status = Status(status)

	hasShard, err := r.ReadByte()
	if err != nil {
		return ServiceInstance{}, fmt.Errorf("serverset: decode binary instance: %w", err)
	}
	if hasShard == 1 {
		var shardBuf [4]byte
		if _, err := io.ReadFull(r, shardBuf[:]); err != nil {
			return ServiceInstance{}, fmt.Errorf("serverset: decode binary instance: %w", err)
		}
		shard := int(int32(binary.BigEndian.Uint32(shardBuf[:])))
		i.Shard = &shard
	}
	return i, nil
}

// DefaultCodec dispatches on the first two bytes of input: '{' followed by
// '"' selects JSON, anything else binary, per spec.md §6.2. Encode always
// uses JSON.
type DefaultCodec struct{}

// Encode implements Codec using JSONCodec.
func (DefaultCodec) Encode(i ServiceInstance) ([]byte, error) {
	return JSONCodec{}.Encode(i)
}

// Decode implements Codec, dispatching on the leading two bytes.
func (DefaultCodec) Decode(data []byte) (ServiceInstance, error) {
	if len(data) >= 2 && data[0] == '{' && data[1] == '"' {
		return JSONCodec{}.Decode(data)
	}
	return BinaryCodec{}.Decode(data)
}

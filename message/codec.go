// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package message

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmatch"
)

// wireMessage is the encoded form of a Message. The tag travels as
// sent: OutMapping is rewritten by the decoder.
type wireMessage struct {
	Tag        uint8
	To, From   int64
	Node       int32
	Rows, Cols int32
	Payload    []bigmatch.VertexID
}

// An Encoder writes batches of messages to an underlying writer. Each
// batch is followed by a checksum of its encoding.
type Encoder struct {
	enc *gob.Encoder
	crc hash.Hash32
}

// NewEncoder returns an encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	crc := crc32.NewIEEE()
	return &Encoder{
		enc: gob.NewEncoder(io.MultiWriter(w, crc)),
		crc: crc,
	}
}

// Encode validates and encodes a batch of messages. Messages with
// inconsistent shapes are rejected with an integrity error.
func (e *Encoder) Encode(batch []Message) error {
	for _, m := range batch {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	e.crc.Reset()
	if err := e.enc.Encode(len(batch)); err != nil {
		return err
	}
	for _, m := range batch {
		w := wireMessage{
			Tag:     uint8(m.Tag),
			To:      int64(m.To),
			From:    int64(m.From),
			Node:    m.Node,
			Rows:    m.Rows,
			Cols:    m.Cols,
			Payload: m.Payload,
		}
		if err := e.enc.Encode(&w); err != nil {
			return err
		}
	}
	return e.enc.Encode(e.crc.Sum32())
}

// A Decoder reads batches of messages written by an Encoder.
type Decoder struct {
	dec *gob.Decoder
	crc hash.Hash32
}

// NewDecoder returns a decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	// Gob inserts its own buffering unless the reader implements
	// io.ByteReader, which would desynchronize the checksum from the
	// decoded stream. We buffer the underlying reader ourselves and
	// present gob with a reader that claims to be buffered.
	crc := crc32.NewIEEE()
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}
	r = io.TeeReader(r, crc)
	return &Decoder{dec: gob.NewDecoder(readerByteReader{Reader: r}), crc: crc}
}

// Decode decodes the next batch of messages. OutMapping messages are
// returned as InMapping messages with the sender appended to every
// row. Decode returns io.EOF when the stream is exhausted, and an
// integrity error if a message's shape is inconsistent or the batch
// fails its checksum.
func (d *Decoder) Decode() ([]Message, error) {
	d.crc.Reset()
	var n int
	if err := d.dec.Decode(&n); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("negative batch size %d", n))
	}
	batch := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		var w wireMessage
		if err := d.dec.Decode(&w); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		m := Message{
			Tag:     Tag(w.Tag),
			To:      bigmatch.VertexID(w.To),
			From:    bigmatch.VertexID(w.From),
			Node:    w.Node,
			Rows:    w.Rows,
			Cols:    w.Cols,
			Payload: w.Payload,
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if m.Tag == OutMapping {
			m = appendSender(m)
		}
		batch = append(batch, m)
	}
	sum := d.crc.Sum32()
	var decoded uint32
	if err := d.dec.Decode(&decoded); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if sum != decoded {
		return nil, errors.E(errors.Integrity, fmt.Errorf("computed checksum %x but expected checksum %x", sum, decoded))
	}
	return batch, nil
}

// appendSender converts an OutMapping into the equivalent InMapping:
// the sender's id becomes the last column of every row.
func appendSender(m Message) Message {
	rows, cols := int(m.Rows), int(m.Cols)
	payload := Alloc(rows * (cols + 1))
	for i := 0; i < rows; i++ {
		row := payload[i*(cols+1) : (i+1)*(cols+1)]
		copy(row, m.Payload[i*cols:(i+1)*cols])
		row[cols] = m.From
	}
	m.Tag = InMapping
	m.Cols++
	m.Payload = payload
	return m
}

// Marshal encodes a single batch of messages.
func Marshal(batch []Message) ([]byte, error) {
	var b bytes.Buffer
	if err := NewEncoder(&b).Encode(batch); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes a single batch of messages encoded by Marshal. An
// empty buffer decodes to an empty batch.
func Unmarshal(p []byte) ([]Message, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return NewDecoder(bytes.NewReader(p)).Decode()
}

// readerByteReader is used to provide an (invalid) implementation of
// io.ByteReader to gob.Decoder. See comment in NewDecoder for details.
type readerByteReader struct {
	io.Reader
	io.ByteReader
}

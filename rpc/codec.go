package rpc

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	MessageHeaderVersion = 1

	// MaxBodySize is the maximum size of a decompressed message body.
	MaxBodySize = 16 * 1024

	DefaultCompressionLevel = zlib.DefaultCompression
)

// messageHeaderLine is the first json line of every message body.
type messageHeaderLine struct {
	Version uint64 `json:"version"`
	Type    string `json:"type"`
}

// ComposeMessage encodes m into the body of a new Message posted to the
// contact group by the author and at the timestamp of its header. The returned message has
// its content-derived id set.
func ComposeMessage(m GroupInvitationMessage) (Message, error) {
	hdr := m.Hdr()
	if hdr.Author.IsEmpty() {
		return Message{}, errors.New("message has no author")
	}
	body, err := composeBody(m, DefaultCompressionLevel)
	if err != nil {
		return Message{}, err
	}
	raw := Message{
		ID:        MessageIDFor(hdr.ContactGroupID, hdr.Author, hdr.Timestamp, body),
		GroupID:   hdr.ContactGroupID,
		Author:    hdr.Author,
		Timestamp: hdr.Timestamp,
		Body:      body,
	}
	log.Tracef("Composed %s %s for group %s: %d bytes", m.MessageType(),
		raw.ID.ShortLogID(), hdr.PrivateGroupID.ShortLogID(), len(body))
	return raw, nil
}

func composeBody(m GroupInvitationMessage, zlibLevel int) ([]byte, error) {
	switch m.(type) {
	case InviteMessage, JoinMessage, LeaveMessage, AbortMessage:
	default:
		return nil, fmt.Errorf("unknown group invitation message type: %T", m)
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	// The encoder appends a '\n' after the header.
	h := messageHeaderLine{Version: MessageHeaderVersion, Type: m.MessageType().String()}
	mb := &bytes.Buffer{}
	w, err := zlib.NewWriterLevel(mb, zlibLevel)
	if err != nil {
		return nil, err
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		return nil, err
	}
	n, err := w.Write(payload)
	if err != nil {
		return nil, err
	}
	if n != len(payload) {
		return nil, fmt.Errorf("assert: n(%v) != len(%v)", n, len(payload))
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return mb.Bytes(), nil
}

// DecomposeMessage decodes the body of raw, decompressing up to maxSize bytes.
// Header fields that belong to the envelope are taken from raw.
//
// This only decodes the message. ValidateMessage must be used for messages
// received from remote contacts.
func DecomposeMessage(raw Message, maxSize uint) (GroupInvitationMessage, error) {
	cr, err := zlib.NewReader(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, err
	}
	lr := &limitedReader{R: cr, N: maxSize}
	all, err := io.ReadAll(lr)
	closeErr := cr.Close()
	if errors.Is(err, errLimitedReaderExhausted) {
		return nil, fmt.Errorf("decompressed body larger than %d bytes", maxSize)
	}
	if err != nil {
		return nil, fmt.Errorf("zlib read err: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("zlib close err: %w", closeErr)
	}

	var h messageHeaderLine
	d := json.NewDecoder(bytes.NewReader(all))
	if err := d.Decode(&h); err != nil {
		return nil, fmt.Errorf("header decode err: %w", err)
	}
	if h.Version != MessageHeaderVersion {
		return nil, fmt.Errorf("unsupported message version %d", h.Version)
	}
	offset := int(d.InputOffset() + 1)
	if len(all) < offset {
		return nil, fmt.Errorf("invalid message length: %v", len(all))
	}
	if all[offset-1] != '\n' {
		return nil, fmt.Errorf("not \\n")
	}
	typ, err := parseMessageType(h.Type)
	if err != nil {
		return nil, err
	}

	pmd := json.NewDecoder(bytes.NewReader(all[offset:]))
	pmd.DisallowUnknownFields()
	var msg GroupInvitationMessage
	switch typ {
	case MessageTypeInvite:
		var m InviteMessage
		err = pmd.Decode(&m)
		fillHeader(&m.MessageHeader, raw)
		msg = m
	case MessageTypeJoin:
		var m JoinMessage
		err = pmd.Decode(&m)
		fillHeader(&m.MessageHeader, raw)
		msg = m
	case MessageTypeLeave:
		var m LeaveMessage
		err = pmd.Decode(&m)
		fillHeader(&m.MessageHeader, raw)
		msg = m
	case MessageTypeAbort:
		var m AbortMessage
		err = pmd.Decode(&m)
		fillHeader(&m.MessageHeader, raw)
		msg = m
	}
	if err != nil {
		return nil, fmt.Errorf("%s payload decode err: %w", typ, err)
	}
	if pmd.More() {
		return nil, fmt.Errorf("trailing data after %s payload", typ)
	}
	return msg, nil
}

func fillHeader(h *MessageHeader, raw Message) {
	h.ID = raw.ID
	h.ContactGroupID = raw.GroupID
	h.Author = raw.Author
	h.Timestamp = raw.Timestamp
}

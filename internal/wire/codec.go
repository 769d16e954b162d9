package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/lsnp/lsnp/internal/lsnperr"
)

// maxDatagram is the spec §4.1 size cap: 64 KiB minus UDP/IP overhead.
const maxDatagram = 65000

// requiredHeaders lists the non-TYPE headers spec §6.2 mandates per frame type.
// A decode that's missing any of these is rejected as malformed.
var requiredHeaders = map[FrameType][]string{
	TypeProfile:       {"USER_ID", "DISPLAY_NAME", "STATUS"},
	TypePing:          {"USER_ID"},
	TypePong:          {"USER_ID", "TO"},
	TypePost:          {"POST_ID", "FROM"},
	TypeLike:          {"POST_ID", "FROM"},
	TypeChat:          {"MESSAGE_ID", "FROM", "TO"},
	TypeGroupChat:     {"MESSAGE_ID", "GROUP_ID", "FROM", "TO"},
	TypeGroupUpdate:   {"GROUP_ID", "CREATOR", "MEMBERS", "NAME"},
	TypeFileOffer:     {"TRANSFER_ID", "FROM", "TO", "FILENAME", "SIZE", "CHUNK_SIZE", "CHUNK_COUNT"},
	TypeFileAccept:    {"TRANSFER_ID", "FROM", "TO"},
	TypeFileReject:    {"TRANSFER_ID", "FROM", "TO"},
	TypeFileData:      {"TRANSFER_ID", "CHUNK_INDEX"},
	TypeFileComplete:  {"TRANSFER_ID"},
	TypeFileCancel:    {"TRANSFER_ID"},
	TypeGameInvite:    {"GAME_ID", "FROM", "TO"},
	TypeGameInviteAck: {"GAME_ID", "FROM", "TO"},
	TypeGameMove:      {"GAME_ID", "MOVE_NO", "POSITION", "PLAYER"},
	TypeGameResult:    {"GAME_ID"},
	TypeGameResign:    {"GAME_ID"},
	TypeGameResync:    {"GAME_ID"},
	TypeAck:           {"MESSAGE_ID"},
	TypeRevoke:        {"USER_ID"},
}

// Encode renders a frame to wire bytes: "TYPE: <type>\n" then each field in
// order, a blank-line terminator, then the body (with SIZE set automatically
// when a body is present).
func Encode(t FrameType, fields *Fields, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("TYPE: ")
	buf.WriteString(string(t))
	buf.WriteByte('\n')

	wroteSize := false
	for _, k := range fields.Ordered() {
		if k == "TYPE" {
			continue
		}
		v := fields.values[k]
		if strings.ContainsAny(v, "\n\r") {
			return nil, fmt.Errorf("wire: header %s contains a newline: %w", k, lsnperr.ErrMalformedFrame)
		}
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(v)
		buf.WriteByte('\n')
		if k == "SIZE" {
			wroteSize = true
		}
	}
	if len(body) > 0 && !wroteSize {
		buf.WriteString("SIZE: ")
		buf.WriteString(strconv.Itoa(len(body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(body)

	if buf.Len() > maxDatagram {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds datagram cap: %w", buf.Len(), lsnperr.ErrMalformedFrame)
	}
	return buf.Bytes(), nil
}

// Decode parses raw datagram bytes into a Frame. It never panics; malformed
// input (no blank-line terminator, no TYPE, unknown type, missing required
// headers, or a SIZE that differs from the body length on any type but
// FILE_OFFER) returns lsnperr.ErrMalformedFrame / lsnperr.ErrUnknownType.
func Decode(raw []byte) (Frame, error) {
	sep := []byte("\n\n")
	idx := bytes.Index(raw, sep)
	if idx < 0 {
		return Frame{}, lsnperr.ErrMalformedFrame
	}
	header := raw[:idx]
	body := raw[idx+len(sep):]

	fields := make(map[string]string)
	for _, line := range strings.Split(string(header), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			return Frame{}, lsnperr.ErrMalformedFrame
		}
		fields[k] = v
	}

	typeVal, ok := fields["TYPE"]
	if !ok {
		return Frame{}, lsnperr.ErrMalformedFrame
	}
	ft := FrameType(typeVal)
	if _, known := requiredHeaders[ft]; !known {
		return Frame{}, lsnperr.ErrUnknownType
	}

	for _, req := range requiredHeaders[ft] {
		if _, present := fields[req]; !present {
			return Frame{}, lsnperr.ErrMalformedFrame
		}
	}

	// FILE_OFFER's SIZE is the offered file's size, not a body length.
	if sizeStr, present := fields["SIZE"]; present && ft != TypeFileOffer {
		size, err := strconv.Atoi(sizeStr)
		if err != nil || size < 0 || size != len(body) {
			return Frame{}, lsnperr.ErrMalformedFrame
		}
	} else if len(body) > 0 {
		return Frame{}, lsnperr.ErrMalformedFrame
	}

	return Frame{
		Type:   ft,
		Fields: fields,
		Body:   body,
	}, nil
}

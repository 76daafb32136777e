package gossip

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Wire format. Fields are joined with Delimiter and are not escaped, so ids,
// addresses and info strings must not contain it.
//
//	gossip  NODE|<id>|<address>
//	gossip  STATUS|<id>|<address>|<uptime>|<info>
//	query   STATUS
//	reply   <id>|<address>|<uptime>|<info>
const (
	Delimiter = "|"

	// QueryToken is the whole body of a status query.
	QueryToken = "STATUS"

	// InfoDiscovered marks a member known only from a NODE announce.
	InfoDiscovered = "discovered"
)

type Kind string

const (
	KindNode   Kind = "NODE"
	KindStatus Kind = "STATUS"
)

var ErrMalformed = errors.New("malformed gossip message")

// Message is a decoded broadcast. For KindNode only Status.ID and
// Status.Address are set.
type Message struct {
	Kind   Kind
	Status NodeStatus
}

func EncodeAnnounce(id, address string) []byte {
	return []byte(string(KindNode) + Delimiter + id + Delimiter + address)
}

func EncodeStatus(s NodeStatus) []byte {
	return []byte(string(KindStatus) + Delimiter + string(EncodeReply(s)))
}

func EncodeQuery() []byte {
	return []byte(QueryToken)
}

// IsQuery reports whether a request body asks for the receiver's status.
func IsQuery(req []byte) bool {
	return string(req) == QueryToken
}

func EncodeReply(s NodeStatus) []byte {
	return []byte(strings.Join([]string{s.ID, s.Address, strconv.FormatInt(s.Uptime, 10), s.Info}, Delimiter))
}

// Decode parses a broadcast. Anything that is not a well formed NODE or
// STATUS message yields ErrMalformed.
func Decode(b []byte) (Message, error) {
	kind, rest, ok := strings.Cut(string(b), Delimiter)
	if !ok {
		return Message{}, fmt.Errorf("%w: no delimiter in %q", ErrMalformed, truncate(b))
	}

	switch Kind(kind) {
	case KindNode:
		fields := strings.Split(rest, Delimiter)
		if len(fields) != 2 || fields[0] == "" || fields[1] == "" {
			return Message{}, fmt.Errorf("%w: bad announce %q", ErrMalformed, truncate(b))
		}
		return Message{Kind: KindNode, Status: NodeStatus{ID: fields[0], Address: fields[1]}}, nil
	case KindStatus:
		s, err := DecodeReply([]byte(rest))
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindStatus, Status: s}, nil
	}
	return Message{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, kind)
}

// DecodeReply parses the body of a status reply. The info field runs to the
// end of the message.
func DecodeReply(b []byte) (NodeStatus, error) {
	fields := strings.SplitN(string(b), Delimiter, 4)
	if len(fields) != 4 || fields[0] == "" || fields[1] == "" {
		return NodeStatus{}, fmt.Errorf("%w: bad status %q", ErrMalformed, truncate(b))
	}
	uptime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || uptime < 0 {
		return NodeStatus{}, fmt.Errorf("%w: bad uptime %q", ErrMalformed, fields[2])
	}
	return NodeStatus{ID: fields[0], Address: fields[1], Uptime: uptime, Info: fields[3]}, nil
}

func truncate(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

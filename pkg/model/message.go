package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxBodyLength = 4096

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")
var ErrMessageDirection = errors.New("message direction must be in or out")

// Direction tells which way a relayed message travelled.
type Direction string

const (
	DirectionIn  Direction = "in"  // XMPP -> browser
	DirectionOut Direction = "out" // browser -> XMPP
)

// Message is a relayed chat message kept in the message log.
type Message struct {
	ID        int64     `json:"id"`
	Direction Direction `json:"direction"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *Message) Validate() error {
	if m.Direction != DirectionIn && m.Direction != DirectionOut {
		return ErrMessageDirection
	}
	if strings.TrimSpace(m.Body) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(m.Body) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}

	return nil
}

// MessageFilters narrows ListMessages. Nil fields are ignored.
type MessageFilters struct {
	Username *string // matches either From or To
	PageSize *int64
	Offset   *int64
}

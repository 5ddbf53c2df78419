package mbox

import (
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"

	mboxlib "github.com/emersion/go-mbox"
)

// InspectMessage is a lightly parsed message used by the inspect command.
type InspectMessage struct {
	Headers mail.Header
	Body    []byte
}

// Inspect opens an mbox file and iterates through its messages, calling
// the provided callback for each one. Blocks that fail to parse are
// skipped; inspection is advisory.
func Inspect(path string, callback func(m *InspectMessage) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		msg, err := mail.ReadMessage(msgReader)
		if err != nil {
			continue
		}

		body, err := io.ReadAll(msg.Body)
		if err != nil {
			continue
		}

		if err := callback(&InspectMessage{Headers: msg.Header, Body: body}); err != nil {
			return err
		}
	}
}

// CountMessages counts the messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			count++
			continue
		}
		count++
	}
}

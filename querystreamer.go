package gocbnet

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// queryStreamer reads a JSON response object incrementally. Attributes before
// the rows array are available straight away, the rows are handed out one at
// a time and the attributes after them once the rows are drained.
type queryStreamer struct {
	lock       sync.Mutex
	stream     io.ReadCloser
	decoder    *json.Decoder
	rowsAttrib string

	attributes map[string]json.RawMessage
	early      map[string]json.RawMessage
	inRows     bool
	finished   bool
	err        error
}

func newQueryStreamer(stream io.ReadCloser, rowsAttrib string) (*queryStreamer, error) {
	streamer := &queryStreamer{
		stream:     stream,
		decoder:    json.NewDecoder(stream),
		rowsAttrib: rowsAttrib,
		attributes: make(map[string]json.RawMessage),
	}

	if err := streamer.begin(); err != nil {
		_ = stream.Close()
		return nil, err
	}

	return streamer, nil
}

func (s *queryStreamer) begin() error {
	tok, err := s.decoder.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return wrapError(ErrProtocol, "query response was not a JSON object")
	}

	err = s.readAttributes(true)

	s.early = make(map[string]json.RawMessage, len(s.attributes))
	for k, v := range s.attributes {
		s.early[k] = v
	}

	if err != nil {
		return err
	}
	if s.finished {
		s.closeStream()
	}
	return nil
}

// readAttributes reads the key value pairs of the response object. With
// stopAtRows set it returns as soon as the rows array has been opened.
func (s *queryStreamer) readAttributes(stopAtRows bool) error {
	for s.decoder.More() {
		tok, err := s.decoder.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return wrapError(ErrProtocol, "query response attribute had a non string name")
		}

		if stopAtRows && key == s.rowsAttrib {
			tok, err := s.decoder.Token()
			if err != nil {
				return err
			}
			if delim, ok := tok.(json.Delim); !ok || delim != '[' {
				return wrapError(ErrProtocol, "query rows were not an array")
			}

			s.inRows = true
			return nil
		}

		var raw json.RawMessage
		if err := s.decoder.Decode(&raw); err != nil {
			return err
		}
		s.attributes[key] = raw
	}

	// Closing brace of the response object.
	if _, err := s.decoder.Token(); err != nil {
		return err
	}

	s.finished = true
	return nil
}

// NextRow returns the next row, or nil once the rows are exhausted or the
// stream failed.
func (s *queryStreamer) NextRow() []byte {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.inRows || s.stream == nil {
		return nil
	}

	if s.decoder.More() {
		var row json.RawMessage
		if err := s.decoder.Decode(&row); err != nil {
			s.fail(err)
			return nil
		}
		return row
	}

	// Closing bracket of the rows array.
	if _, err := s.decoder.Token(); err != nil {
		s.fail(err)
		return nil
	}
	s.inRows = false

	if err := s.readAttributes(false); err != nil {
		s.fail(err)
		return nil
	}
	s.closeStream()
	return nil
}

func (s *queryStreamer) fail(err error) {
	s.err = err
	s.inRows = false
	s.closeStream()
}

func (s *queryStreamer) closeStream() {
	if s.stream == nil {
		return
	}

	if err := s.stream.Close(); err != nil {
		logDebugf("Failed to close query stream: %v", err)
	}
	s.stream = nil
}

// Err returns any error which occurred while reading the stream.
func (s *queryStreamer) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.err
}

// MetaData returns every non row attribute as a JSON object. It is only
// available once the rows have been read.
func (s *queryStreamer) MetaData() ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	if !s.finished {
		return nil, errors.New("the result must be fully read before accessing the meta-data")
	}

	return json.Marshal(s.attributes)
}

// EarlyMetadata returns an attribute which appeared before the rows.
func (s *queryStreamer) EarlyMetadata(key string) json.RawMessage {
	return s.early[key]
}

// Close releases the underlying stream, any unread rows are discarded.
func (s *queryStreamer) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stream == nil {
		return nil
	}

	err := s.stream.Close()
	s.stream = nil
	s.inRows = false
	return err
}

package session

import (
	"bufio"
	"errors"
)

var ErrLineTooLong = errors.New("session: line too long")

// ReadLine reads one newline-terminated line and returns it without the
// newline. A line longer than max bytes is consumed through its newline and
// reported as ErrLineTooLong, so the reader stays line-aligned. On a read
// error the bytes read so far are returned with the error.
func ReadLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		body := chunk
		if err == nil {
			body = chunk[:len(chunk)-1]
		}
		if !tooLong {
			if len(line)+len(body) > max {
				tooLong = true
				line = nil
			} else {
				line = append(line, body...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil:
			if tooLong {
				return nil, err
			}
			return line, err
		case tooLong:
			return nil, ErrLineTooLong
		default:
			return line, nil
		}
	}
}

package discovery

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// ErrInvalidPortFile is returned when a port file holds no usable port.
var ErrInvalidPortFile = errors.New("port file does not contain a port number")

const portFileTrim = "\x00 \r\n\t"

// readPortFile parses msmdsrv.port.txt. The engine writes UTF-16LE without
// a BOM; older or hand-made files are plain UTF-8.
func readPortFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return parsePortFile(data)
}

func parsePortFile(data []byte) (int, error) {
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	if decoded, err := decoder.Bytes(data); err == nil {
		text := strings.Trim(string(decoded), portFileTrim)
		if text != "" && allDigits(text) {
			return toPort(text)
		}
	}

	text := strings.Trim(string(data), portFileTrim)
	if text == "" {
		return 0, ErrInvalidPortFile
	}
	return toPort(text)
}

func toPort(text string) (int, error) {
	port, err := strconv.Atoi(text)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPortFile, text)
	}
	return port, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

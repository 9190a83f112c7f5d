package api

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var jobIDPattern = regexp.MustCompile(`^[a-f0-9-]{8,36}$`)

func validateJobID(id string) error {
	if id == "" {
		return errors.New("job id is required")
	}
	if !jobIDPattern.MatchString(id) {
		return fmt.Errorf("invalid job id: %q", id)
	}
	return nil
}

func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return errors.New("filename is required")
	}
	if len(name) > 255 {
		return errors.New("filename too long")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("invalid filename: %q", name)
	}
	return nil
}

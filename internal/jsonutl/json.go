package jsonutl

import (
	"encoding/json"
	"fmt"
	"os"
)

// Encode writes data to fileName as indented JSON.
func Encode(fileName string, data any) error {
	file, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("error creating file: %v", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "    ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("error encoding %s: %v", fileName, err)
	}

	return nil
}

// Decode reads the JSON in fileName into v.
func Decode(fileName string, v any) error {
	file, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("error opening file %s: %v", fileName, err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("error decoding %s: %v", fileName, err)
	}

	return nil
}

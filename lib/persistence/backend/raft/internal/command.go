package internal

import (
	"encoding/binary"
	"fmt"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTStore  CommandType = iota + 1 // Insert or replace a record.
	CommandTDelete                        // Delete a record.
	CommandTBatch                         // Apply a list of nested store/delete commands atomically.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTStore:
		return "Store"
	case CommandTDelete:
		return "Delete"
	case CommandTBatch:
		return "Batch"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

const commandHeader = 1 + 4 // Type + KeyLen

// Command is a single entry in the raft log
type Command struct {
	Type  CommandType
	Key   string
	Value []byte
}

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	return commandHeader + len(command.Key) + len(command.Value)
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 4 bytes for key length (big endian),
// N bytes for key data,
// N bytes for value data (optional)
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())
	result[0] = byte(command.Type)
	binary.BigEndian.PutUint32(result[1:5], uint32(len(command.Key)))
	copy(result[5:], command.Key)
	copy(result[5+len(command.Key):], command.Value)
	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < commandHeader {
		return fmt.Errorf("data too short for command")
	}
	command.Type = CommandType(data[0])
	keyLen := binary.BigEndian.Uint32(data[1:5])
	if len(data) < commandHeader+int(keyLen) {
		return fmt.Errorf("data too short for key of length %d", keyLen)
	}
	command.Key = string(data[5 : 5+keyLen])
	if rest := data[5+keyLen:]; len(rest) > 0 {
		command.Value = append(command.Value[:0], rest...)
	} else {
		command.Value = nil
	}
	return nil
}

// NewBatch packs cmds into a single batch command.
// Every nested command is prefixed with its length (4 bytes, big endian).
func NewBatch(cmds []Command) Command {
	size := 0
	for i := range cmds {
		size += 4 + cmds[i].SizeBytes()
	}
	value := make([]byte, 0, size)
	for i := range cmds {
		value = binary.BigEndian.AppendUint32(value, uint32(cmds[i].SizeBytes()))
		value = append(value, cmds[i].Serialize()...)
	}
	return Command{Type: CommandTBatch, Value: value}
}

// Unbatch returns the nested commands of a batch command
func (command *Command) Unbatch() ([]Command, error) {
	if command.Type != CommandTBatch {
		return nil, fmt.Errorf("%s is not a batch command", command.Type)
	}
	var out []Command
	data := command.Value
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("truncated batch")
		}
		n := binary.BigEndian.Uint32(data[:4])
		if len(data) < 4+int(n) {
			return nil, fmt.Errorf("truncated batch element of length %d", n)
		}
		var cmd Command
		if err := cmd.Deserialize(data[4 : 4+n]); err != nil {
			return nil, err
		}
		if cmd.Type == CommandTBatch {
			return nil, fmt.Errorf("nested batches are not allowed")
		}
		out = append(out, cmd)
		data = data[4+n:]
	}
	return out, nil
}

package internal

import (
	"bytes"
	"testing"
)

// TestSizeBytes tests the SizeBytes method
func TestSizeBytes(t *testing.T) {
	tests := []struct {
		name     string
		command  Command
		expected int
	}{
		{
			name:     "Command with key and value",
			command:  Command{Type: CommandTStore, Key: "testkey", Value: []byte("testvalue")},
			expected: 1 + 4 + 7 + 9, // Type + KeyLen + Key + Value
		},
		{
			name:     "Command with empty key",
			command:  Command{Type: CommandTStore, Key: "", Value: []byte("testvalue")},
			expected: 1 + 4 + 0 + 9,
		},
		{
			name:     "Delete without value",
			command:  Command{Type: CommandTDelete, Key: "k"},
			expected: 1 + 4 + 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if size := tt.command.SizeBytes(); size != tt.expected {
				t.Errorf("SizeBytes() = %v, want %v", size, tt.expected)
			}
			if got := len(tt.command.Serialize()); got != tt.expected {
				t.Errorf("len(Serialize()) = %v, want %v", got, tt.expected)
			}
		})
	}
}

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{"Store with value", Command{Type: CommandTStore, Key: "testkey", Value: []byte("testvalue")}},
		{"Delete without value", Command{Type: CommandTDelete, Key: "testkey"}},
		{"Empty key", Command{Type: CommandTStore, Key: "", Value: []byte("testvalue")}},
		{"Binary value", Command{Type: CommandTStore, Key: "binary", Value: []byte{0, 1, 2, 3, 254, 255}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Command
			if err := got.Deserialize(tt.command.Serialize()); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
			if got.Type != tt.command.Type || got.Key != tt.command.Key || !bytes.Equal(got.Value, tt.command.Value) {
				t.Errorf("Deserialize() = %+v, want %+v", got, tt.command)
			}
		})
	}
}

func TestDeserializeErrors(t *testing.T) {
	var cmd Command
	if err := cmd.Deserialize([]byte{1, 0}); err == nil {
		t.Error("expected error for short header")
	}
	if err := cmd.Deserialize([]byte{1, 0, 0, 0, 9, 'a'}); err == nil {
		t.Error("expected error for truncated key")
	}
}

func TestBatch(t *testing.T) {
	cmds := []Command{
		{Type: CommandTStore, Key: "a", Value: []byte("1")},
		{Type: CommandTDelete, Key: "b"},
		{Type: CommandTStore, Key: "c", Value: []byte("3")},
	}
	batch := NewBatch(cmds)

	var decoded Command
	if err := decoded.Deserialize(batch.Serialize()); err != nil {
		t.Fatal(err)
	}
	got, err := decoded.Unbatch()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(cmds) {
		t.Fatalf("Unbatch() returned %d commands, want %d", len(got), len(cmds))
	}
	for i := range cmds {
		if got[i].Type != cmds[i].Type || got[i].Key != cmds[i].Key || !bytes.Equal(got[i].Value, cmds[i].Value) {
			t.Errorf("command %d = %+v, want %+v", i, got[i], cmds[i])
		}
	}

	if _, err := (&Command{Type: CommandTStore}).Unbatch(); err == nil {
		t.Error("Unbatch on a non batch command must fail")
	}
	truncated := Command{Type: CommandTBatch, Value: batch.Value[:len(batch.Value)-1]}
	if _, err := truncated.Unbatch(); err == nil {
		t.Error("expected error for truncated batch")
	}
}

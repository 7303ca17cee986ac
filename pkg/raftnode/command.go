package raftnode

import "encoding/json"

type CommandType uint8

const (
	CmdCreate CommandType = iota
	CmdInsert
	CmdDelete
	CmdReset
	CmdDrop
	CmdRestoreTree
)

func (t CommandType) String() string {
	switch t {
	case CmdCreate:
		return "create"
	case CmdInsert:
		return "insert"
	case CmdDelete:
		return "delete"
	case CmdReset:
		return "reset"
	case CmdDrop:
		return "drop"
	case CmdRestoreTree:
		return "restore-tree"
	default:
		return "unknown"
	}
}

// Command is one replicated mutation of a named tree.
type Command struct {
	Type   CommandType `json:"type"`
	Tree   string      `json:"tree"`
	Key    int64       `json:"key,omitempty"`
	Value  uint64      `json:"value,omitempty"`
	Fanout int         `json:"fanout,omitempty"`

	// Snapshot carries a whole tree for CmdRestoreTree, as written by
	// db.ExportStored.
	Snapshot []byte `json:"snapshot,omitempty"`
}

func EncodeCommand(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

func DecodeCommand(b []byte) (Command, error) {
	var c Command
	err := json.Unmarshal(b, &c)
	return c, err
}

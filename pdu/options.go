package pdu

import (
	"fmt"
	"strings"
)

// OptionType is the TLV type of a Metadata option.
type OptionType uint8

const (
	OptionFilestoreRequest     OptionType = 0x00
	OptionFilestoreResponse    OptionType = 0x01
	OptionMessageToUser        OptionType = 0x02
	OptionFaultHandlerOverride OptionType = 0x04
	OptionFlowLabel            OptionType = 0x05
	OptionEntityID             OptionType = 0x06
)

// Option is one TLV carried by Metadata.
type Option interface {
	OptionType() OptionType
}

// FilestoreAction selects the operation of a filestore request.
type FilestoreAction uint8

const (
	ActionCreateFile FilestoreAction = iota
	ActionDeleteFile
	ActionRenameFile
	ActionAppendFile
	ActionReplaceFile
	ActionCreateDirectory
	ActionRemoveDirectory
	ActionDenyFile
	ActionDenyDirectory
)

var actionNames = []string{
	"create_file", "delete_file", "rename_file", "append_file", "replace_file",
	"create_directory", "remove_directory", "deny_file", "deny_directory",
}

func (a FilestoreAction) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// ParseFilestoreAction maps a snake_case action name to its code.
func ParseFilestoreAction(s string) (FilestoreAction, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for i, name := range actionNames {
		if name == want {
			return FilestoreAction(i), nil
		}
	}
	return 0, fmt.Errorf("unknown filestore action %q", s)
}

// HasSecondName reports whether the action takes two file names.
func (a FilestoreAction) HasSecondName() bool {
	return a == ActionRenameFile || a == ActionAppendFile || a == ActionReplaceFile
}

// Filestore response status values.
const (
	FilestoreSuccess      uint8 = 0x0
	FilestoreFailed       uint8 = 0x1
	FilestoreNotAllowed   uint8 = 0x2
	FilestoreNotPerformed uint8 = 0xF
)

// FilestoreRequest asks the receiver to perform a filestore action after the
// file has been delivered.
type FilestoreRequest struct {
	Action     FilestoreAction
	FirstName  string
	SecondName string
}

func (FilestoreRequest) OptionType() OptionType { return OptionFilestoreRequest }

// FilestoreResponse reports the outcome of a FilestoreRequest.
type FilestoreResponse struct {
	Action     FilestoreAction
	Status     uint8
	FirstName  string
	SecondName string
	Message    string
}

func (FilestoreResponse) OptionType() OptionType { return OptionFilestoreResponse }

// MessageToUser is opaque user data delivered with Metadata.
type MessageToUser struct {
	Message []byte
}

func (MessageToUser) OptionType() OptionType { return OptionMessageToUser }

// FaultHandlerOverride replaces the receiver's handler for one condition.
// Handler uses the fault package codes.
type FaultHandlerOverride struct {
	Condition ConditionCode
	Handler   uint8
}

func (FaultHandlerOverride) OptionType() OptionType { return OptionFaultHandlerOverride }

// FlowLabel is an opaque hint for the UT layer.
type FlowLabel struct {
	Label []byte
}

func (FlowLabel) OptionType() OptionType { return OptionFlowLabel }

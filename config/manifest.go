package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/opd-ai/cfdp/entity"
	"github.com/opd-ai/cfdp/fault"
	"github.com/opd-ai/cfdp/pdu"
)

// manifestFile is the TOML layout of a transfer manifest:
//
//	[[transfer]]
//	destination = 2
//	source = "images/a.png"
//	target = "incoming/a.png"
//	mode = "acknowledged"
//	closure = true
//	messages = ["hello"]
//
//	  [[transfer.filestore]]
//	  action = "rename_file"
//	  first = "incoming/a.png"
//	  second = "archive/a.png"
type manifestFile struct {
	Transfers []manifestTransfer `toml:"transfer"`
}

type manifestTransfer struct {
	Destination   uint64              `toml:"destination"`
	Source        string              `toml:"source"`
	Target        string              `toml:"target"`
	Mode          string              `toml:"mode"`
	Closure       *bool               `toml:"closure"`
	FlowLabel     string              `toml:"flow_label"`
	Messages      []string            `toml:"messages"`
	Segmentation  bool                `toml:"segmentation_control"`
	FaultHandlers map[string]string   `toml:"fault_handlers"`
	Filestore     []manifestFileStore `toml:"filestore"`
}

type manifestFileStore struct {
	Action string `toml:"action"`
	First  string `toml:"first"`
	Second string `toml:"second"`
}

// LoadManifest decodes the Put requests listed in a TOML manifest. Unknown
// keys are rejected so that typos do not silently change a transfer.
func LoadManifest(path string) ([]entity.PutRequest, error) {
	var raw manifestFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: manifest %s: unknown keys %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	if len(raw.Transfers) == 0 {
		return nil, fmt.Errorf("%w: manifest %s lists no transfers", ErrInvalidConfig, path)
	}

	out := make([]entity.PutRequest, 0, len(raw.Transfers))
	for i, t := range raw.Transfers {
		req, err := t.request()
		if err != nil {
			return nil, fmt.Errorf("%w: manifest %s transfer %d: %v", ErrInvalidConfig, path, i+1, err)
		}
		out = append(out, req)
	}
	return out, nil
}

func (t manifestTransfer) request() (entity.PutRequest, error) {
	if t.Destination == 0 {
		return entity.PutRequest{}, fmt.Errorf("destination is required")
	}
	req := entity.PutRequest{
		Destination:         pdu.EntityID(t.Destination),
		SourceFilename:      strings.TrimSpace(t.Source),
		DestinationFilename: strings.TrimSpace(t.Target),
		ClosureRequested:    t.Closure,
		SegmentationControl: t.Segmentation,
	}
	if req.DestinationFilename == "" {
		req.DestinationFilename = req.SourceFilename
	}
	if t.Mode != "" {
		mode, err := pdu.ParseTransmissionMode(t.Mode)
		if err != nil {
			return req, err
		}
		req.Mode = &mode
	}
	if t.FlowLabel != "" {
		req.FlowLabel = []byte(t.FlowLabel)
	}
	for _, m := range t.Messages {
		req.MessagesToUser = append(req.MessagesToUser, []byte(m))
	}
	for cond, handler := range t.FaultHandlers {
		cc, err := pdu.ParseConditionCode(cond)
		if err != nil {
			return req, err
		}
		h, err := fault.ParseHandler(handler)
		if err != nil {
			return req, err
		}
		req.FaultHandlerOverrides = append(req.FaultHandlerOverrides, pdu.FaultHandlerOverride{
			Condition: cc,
			Handler:   uint8(h),
		})
	}
	sort.Slice(req.FaultHandlerOverrides, func(i, j int) bool {
		return req.FaultHandlerOverrides[i].Condition < req.FaultHandlerOverrides[j].Condition
	})
	for _, fs := range t.Filestore {
		action, err := pdu.ParseFilestoreAction(fs.Action)
		if err != nil {
			return req, err
		}
		if action.HasSecondName() && fs.Second == "" {
			return req, fmt.Errorf("filestore action %s needs a second name", action)
		}
		req.FilestoreRequests = append(req.FilestoreRequests, pdu.FilestoreRequest{
			Action:     action,
			FirstName:  fs.First,
			SecondName: fs.Second,
		})
	}
	return req, nil
}

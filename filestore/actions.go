package filestore

import (
	"errors"
	"fmt"

	"github.com/opd-ai/cfdp/pdu"
	"github.com/sirupsen/logrus"
)

// Execute performs one filestore request and reports its outcome.
func Execute(fs Filestore, req pdu.FilestoreRequest) pdu.FilestoreResponse {
	resp := pdu.FilestoreResponse{
		Action:     req.Action,
		FirstName:  req.FirstName,
		SecondName: req.SecondName,
	}

	var err error
	switch req.Action {
	case pdu.ActionCreateFile:
		err = fs.CreateFile(req.FirstName)
	case pdu.ActionDeleteFile:
		err = fs.DeleteFile(req.FirstName)
	case pdu.ActionRenameFile:
		err = fs.RenameFile(req.FirstName, req.SecondName)
	case pdu.ActionAppendFile:
		err = fs.AppendFile(req.FirstName, req.SecondName)
	case pdu.ActionReplaceFile:
		err = fs.ReplaceFile(req.FirstName, req.SecondName)
	case pdu.ActionCreateDirectory:
		err = fs.CreateDirectory(req.FirstName)
	case pdu.ActionRemoveDirectory:
		err = fs.RemoveDirectory(req.FirstName)
	case pdu.ActionDenyFile:
		err = fs.DenyFile(req.FirstName)
	case pdu.ActionDenyDirectory:
		err = fs.DenyDirectory(req.FirstName)
	default:
		err = fmt.Errorf("%w: unsupported action %s", ErrFilestore, req.Action)
	}

	switch {
	case err == nil:
		resp.Status = pdu.FilestoreSuccess
	case errors.Is(err, ErrDirectoryTraversal):
		resp.Status = pdu.FilestoreNotAllowed
		resp.Message = truncate(err.Error())
	default:
		resp.Status = pdu.FilestoreFailed
		resp.Message = truncate(err.Error())
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Execute",
		"action":      req.Action.String(),
		"first_name":  req.FirstName,
		"second_name": req.SecondName,
		"status":      resp.Status,
	}).Debug("Executed filestore request")
	return resp
}

// NotPerformed builds the response for a request skipped after an earlier
// failure.
func NotPerformed(req pdu.FilestoreRequest) pdu.FilestoreResponse {
	return pdu.FilestoreResponse{
		Action:     req.Action,
		Status:     pdu.FilestoreNotPerformed,
		FirstName:  req.FirstName,
		SecondName: req.SecondName,
	}
}

// Messages travel in an LV field.
func truncate(s string) string {
	if len(s) > 255 {
		return s[:255]
	}
	return s
}

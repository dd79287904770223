package remote

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ComponentFields is the body of a component create or patch.
type ComponentFields struct {
	Name        string `json:"Name,omitempty"`
	Type        string `json:"Type__c,omitempty"`
	FileName    string `json:"File_Name__c,omitempty"`
	Fingerprint string `json:"Fingerprint__c,omitempty"`
	Version     int    `json:"Version__c,omitempty"`
	Branch      string `json:"Branch__c,omitempty"`
}

// HistoryFields is the body of a component history entry.
type HistoryFields struct {
	Component   string `json:"Metadata__c"`
	Version     int    `json:"Version__c"`
	Fingerprint string `json:"Fingerprint__c"`
	Commit      string `json:"Commit__c,omitempty"`
}

// AttachmentFields is the body of a ContentVersion upload. VersionData is
// base64 encoded.
type AttachmentFields struct {
	Title          string `json:"Title"`
	PathOnClient   string `json:"PathOnClient"`
	VersionData    string `json:"VersionData"`
	FirstPublished string `json:"FirstPublishLocationId"`
}

// LinkFields is the body of a commit link record.
type LinkFields struct {
	Commit  string `json:"Commit__c"`
	History string `json:"Metadata_History__c"`
}

// BranchFields holds the sync bookkeeping stored on a branch.
type BranchFields struct {
	Status        Status `json:"Status__c,omitempty"`
	StatusMessage string `json:"Status_Message__c"`
	Checkpoint    string `json:"Checkpoint__c"`
}

// NewAttachment encodes a binary body for upload.
func NewAttachment(title string, data []byte, parentRef string) AttachmentFields {
	return AttachmentFields{
		Title:          title,
		PathOnClient:   title + ".zip",
		VersionData:    base64.StdEncoding.EncodeToString(data),
		FirstPublished: parentRef,
	}
}

// Decode returns the binary content of an attachment.
func (a AttachmentFields) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(a.VersionData)
	if err != nil {
		return nil, fmt.Errorf("invalid attachment data: %w", err)
	}
	return data, nil
}

// EncodeCheckpoint serializes a checkpoint for storage on the branch record.
func EncodeCheckpoint(cp Checkpoint) (string, error) {
	if len(cp) == 0 {
		return "", nil
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeCheckpoint parses a stored checkpoint. An empty value is an empty
// checkpoint.
func DecodeCheckpoint(s string) (Checkpoint, error) {
	cp := make(Checkpoint)
	if s == "" {
		return cp, nil
	}
	if err := json.Unmarshal([]byte(s), &cp); err != nil {
		return nil, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return cp, nil
}

// SObjectPath returns the REST path of an object collection or record.
func SObjectPath(apiVersion, object, id string) string {
	if id == "" {
		return fmt.Sprintf("/services/data/v%s/sobjects/%s/", apiVersion, object)
	}
	return fmt.Sprintf("/services/data/v%s/sobjects/%s/%s", apiVersion, object, id)
}

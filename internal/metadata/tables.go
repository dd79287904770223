package metadata

import "strings"

// bundleKind describes a directory-shaped metadata folder.
type bundleKind struct {
	Type string
}

var bundleFolders = map[string]bundleKind{
	"aura":          {Type: "AuraDefinitionBundle"},
	"lwc":           {Type: "LightningComponentBundle"},
	"experiences":   {Type: "ExperienceBundle"},
	"waveTemplates": {Type: "WaveTemplateBundle"},
}

// folderTypes only carry their sidecar; the directory body is not part of the component.
var folderTypes = map[string]bool{
	"DocumentFolder":      true,
	"EmailFolder":         true,
	"EmailTemplateFolder": true,
	"ReportFolder":        true,
	"DashboardFolder":     true,
}

// labelContainers are parents whose own document is dropped once the
// children are extracted. Their children are named without the parent prefix.
var labelContainers = map[string]bool{
	"CustomLabels": true,
}

// parentChildren maps a parent container type to its child list elements
// and the component type of each element.
var parentChildren = map[string]map[string]string{
	"CustomObject": {
		"fields":            "CustomField",
		"listViews":         "ListView",
		"recordTypes":       "RecordType",
		"validationRules":   "ValidationRule",
		"webLinks":          "WebLink",
		"compactLayouts":    "CompactLayout",
		"businessProcesses": "BusinessProcess",
		"fieldSets":         "FieldSet",
		"sharingReasons":    "SharingReason",
		"indexes":           "Index",
	},
	"CustomLabels": {
		"labels": "CustomLabel",
	},
	"Workflow": {
		"alerts":           "WorkflowAlert",
		"fieldUpdates":     "WorkflowFieldUpdate",
		"rules":            "WorkflowRule",
		"tasks":            "WorkflowTask",
		"outboundMessages": "WorkflowOutboundMessage",
	},
	"SharingRules": {
		"sharingCriteriaRules": "SharingCriteriaRule",
		"sharingOwnerRules":    "SharingOwnerRule",
	},
	"AssignmentRules": {
		"assignmentRule": "AssignmentRule",
	},
	"AutoResponseRules": {
		"autoResponseRule": "AutoResponseRule",
	},
	"EscalationRules": {
		"escalationRule": "EscalationRule",
	},
	"MatchingRules": {
		"matchingRules": "MatchingRule",
	},
}

// childSlot locates where a child type lives inside its parent document.
type childSlot struct {
	Parent string
	Field  string
}

var childSlots = func() map[string]childSlot {
	slots := make(map[string]childSlot)
	for parent, fields := range parentChildren {
		for field, child := range fields {
			slots[child] = childSlot{Parent: parent, Field: field}
		}
	}
	return slots
}()

// typeAliases folds type names that are stored under a common type.
var typeAliases = map[string]string{
	"AccountSettings":             "Settings",
	"ActivitiesSettings":          "Settings",
	"CaseSettings":                "Settings",
	"CompanySettings":             "Settings",
	"ContractSettings":            "Settings",
	"LeadConvertSettings":         "Settings",
	"OpportunitySettings":         "Settings",
	"OrderSettings":               "Settings",
	"QuoteSettings":               "Settings",
	"SecuritySettings":            "Settings",
	"ForecastingSettings":         "Settings",
	"KnowledgeSettings":           "Settings",
	"CommunitiesSettings":         "Settings",
	"LightningExperienceSettings": "Settings",
}

// NormalizeType maps a root element name to the stored component type.
func NormalizeType(typ string) string {
	if alias, ok := typeAliases[typ]; ok {
		return alias
	}
	if typ != "Settings" && strings.HasSuffix(typ, "Settings") {
		return "Settings"
	}
	return typ
}

// IsParentType reports whether typ is decomposed into child components.
func IsParentType(typ string) bool {
	_, ok := parentChildren[typ]
	return ok
}

// IsChildType reports whether typ is stored inside a parent document.
func IsChildType(typ string) bool {
	_, ok := childSlots[typ]
	return ok
}

// childShortName returns the fullName of a child inside its parent document.
func childShortName(typ, name string) string {
	slot := childSlots[typ]
	if labelContainers[slot.Parent] {
		return name
	}
	if _, rest, ok := strings.Cut(name, "."); ok {
		return rest
	}
	return name
}

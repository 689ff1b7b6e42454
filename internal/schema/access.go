package schema

// Outcome values recognized by the built-in schema. Badge controllers are
// inconsistent about spelling; both the short and the long forms show up in
// real exports.
const (
	OutcomeGrant        = "GRANT"
	OutcomeDeny         = "DENY"
	OutcomeGranted      = "ACCESS GRANTED"
	OutcomeDenied       = "ACCESS DENIED"
	OutcomeInvalidLevel = "INVALID ACCESS LEVEL"
)

// AccessEventFields is the built-in canonical schema for badge-reader event
// exports. Deployments can replace it wholesale via the pipeline
// configuration file.
var AccessEventFields = []CanonicalField{
	{
		Name:     "timestamp",
		Type:     FieldTimestamp,
		Required: true,
		Aliases: []string{
			"ts", "time", "event time", "event timestamp", "date time", "datetime",
		},
	},
	{
		Name:      "actor",
		Type:      FieldString,
		Required:  true,
		Groupable: true,
		Aliases: []string{
			"user", "userid", "user id", "person", "person id",
			"employee", "employee id", "badge holder",
		},
	},
	{
		Name:      "location",
		Type:      FieldString,
		Required:  true,
		Groupable: true,
		Aliases: []string{
			"door", "doorid", "door id", "door name",
			"device", "device name", "reader",
		},
	},
	{
		Name:      "outcome",
		Type:      FieldEnum,
		Required:  true,
		Groupable: true,
		EnumValues: []string{
			OutcomeGrant, OutcomeDeny, OutcomeGranted, OutcomeDenied, OutcomeInvalidLevel,
		},
		Aliases: []string{
			"result", "event type", "eventtype", "access result", "status",
		},
	},
	{
		Name:     "credential",
		Type:     FieldString,
		Required: false,
		Aliases: []string{
			"badge", "badge id", "card", "card number", "token", "credential id",
		},
	},
	{
		Name:     "floor",
		Type:     FieldInteger,
		Required: false,
		Aliases: []string{
			"level", "floor number",
		},
	},
}

// Default returns a registry over the built-in access-event schema.
func Default() *Registry {
	return MustNewRegistry(AccessEventFields)
}

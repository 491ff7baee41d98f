package importer

import "errors"

// Sentinel errors for import operations.
var (
	ErrRunAbsent    = errors.New("backing run absent from export")
	ErrNoExperiment = errors.New("no destination experiment name")
	ErrNotImported  = errors.New("dependency not imported")
)

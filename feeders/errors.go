package feeders

import "errors"

// Static error definitions for feeders
var (
	ErrEnvInvalidStructure     = errors.New("env: invalid structure")
	ErrEnvEmptyPrefixAndSuffix = errors.New("env: prefix or suffix cannot be empty")
	ErrEnvFieldCannotBeSet     = errors.New("env: field cannot be set")
	ErrUnsupportedFileType     = errors.New("unsupported config file type")
)

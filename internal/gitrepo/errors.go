package gitrepo

import "errors"

var (
	// ErrRepositoryNotFound is returned when a company has no bare repository.
	ErrRepositoryNotFound = errors.New("repository not found")
	// ErrInvalidTenantID is returned when an id sanitizes to the empty string.
	ErrInvalidTenantID = errors.New("invalid tenant id")
	// ErrInvalidFolderPath is returned for folder paths that are absolute,
	// escape the working copy, or name git metadata.
	ErrInvalidFolderPath = errors.New("invalid folder path")
	// ErrFolderExists is returned when creating or renaming onto an existing path.
	ErrFolderExists = errors.New("folder already exists")
	// ErrFolderNotFound is returned when the source folder does not exist.
	ErrFolderNotFound = errors.New("folder not found")
	// ErrNoArchiver is returned by Backup when no backup store is configured.
	ErrNoArchiver = errors.New("no backup backend configured")
	// ErrTimeout marks a git subprocess killed by its deadline.
	ErrTimeout = errors.New("git subprocess timed out")
)

package agentmgr

// Version is the current version of the agentmgr library
const Version = "0.3.0"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string
	// Kinds lists the component kinds this build supervises
	Kinds []string
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	kinds := make([]string, 0, len(Kinds))
	for _, k := range Kinds {
		kinds = append(kinds, k.String())
	}
	return VersionInfo{
		Version: Version,
		Kinds:   kinds,
	}
}

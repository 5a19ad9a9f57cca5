package types

// Version is the canonical project version.
// The CLI, the wire envelope and the dispatch contract share this version
// per the lockstep versioning policy.
const Version = "0.3.0"

// ContractVersion is the dispatch contract version stamped on every
// downstream task event. It moves in lockstep with Version.
const ContractVersion = Version

// ProtocolVersion is the wire envelope version written by this build.
// Clients report theirs in Header.Version; the server accepts any value
// up to and including this one.
const ProtocolVersion uint8 = 1

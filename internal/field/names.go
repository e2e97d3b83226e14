package field

// Synthetic fields published for the duration of one leaf operator
// invocation and removed right after its actions run.
const (
	SyntheticField         = "FIELD"
	SyntheticFieldTfn      = "FIELD_TFN"
	SyntheticFieldTarget   = "FIELD_TARGET"
	SyntheticFieldName     = "FIELD_NAME"
	SyntheticFieldNameFull = "FIELD_NAME_FULL"
)

// Well-known collections.
const (
	CollFlags   = "FLAGS"
	CollCapture = "CAPTURE"
	CollTx      = "TX"
)

// FlagBlock is the FLAGS member set by an advisory block.
const FlagBlock = "BLOCK"

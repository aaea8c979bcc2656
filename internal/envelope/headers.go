package envelope

// Record headers shared by publishers and consumers.
const (
	// HeaderEmbed marks a record whose value is an encoded Envelope.
	HeaderEmbed = "_embed_"
	// HeaderRecipient names the origin an embedded record is addressed to.
	HeaderRecipient = "_recipient_"
	// HeaderDataType describes how a plain record value is encoded.
	HeaderDataType = "_data_type_"
	// HeaderOffset is added to delivered plain records that carry an offset.
	HeaderOffset = "_offset_"

	HeaderSegmentID    = "_segment_id_"
	HeaderSegmentCount = "_segment_count_"
	HeaderSegmentTotal = "_segment_total_"
)

// Plain record data types.
const (
	DataBytes = "bytes"
	DataText  = "text"
	DataMap   = "map"
	DataList  = "list"
)

// Registry message headers.
const (
	HeaderType        = "type"
	HeaderOrigin      = "origin"
	HeaderRoute       = "route"
	HeaderPersonality = "personality"
	HeaderChecksum    = "checksum"
	HeaderTarget      = "target"
	HeaderVersion     = "version"
	HeaderToken       = "token"
)

// MonitorQualifier is appended to addresses served by a monitor.
const MonitorQualifier = "@monitor"

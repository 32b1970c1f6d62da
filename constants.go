package ibnet

import "github.com/go-ibnet/ibnet/internal/ibnerr"

// InvalidNodeID is the sentinel NodeId meaning "no such peer".
const InvalidNodeID = ibnerr.InvalidNodeID

// MaxQPsPerConnection bounds how many queue pairs a single Connection may
// aggregate. The Datapath creator uses 2 (payload + flow control); Simple
// uses 1.
const MaxQPsPerConnection = 2

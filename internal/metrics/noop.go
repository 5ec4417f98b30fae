package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

func (n *NoopCollector) ConnectionOpened(protocol string)                  {}
func (n *NoopCollector) ConnectionClosed(protocol string)                  {}
func (n *NoopCollector) TLSConnectionEstablished(protocol string)           {}
func (n *NoopCollector) AuthAttempt(protocol string, success bool)         {}
func (n *NoopCollector) CommandProcessed(protocol, command string)         {}
func (n *NoopCollector) MessageStored(sizeBytes int64)                     {}
func (n *NoopCollector) MessageRetrieved(protocol string, sizeBytes int64) {}
func (n *NoopCollector) MessageDeleted(protocol string)                    {}
func (n *NoopCollector) MessageListed(protocol string)                     {}
func (n *NoopCollector) RelayRejected(reason string)                       {}

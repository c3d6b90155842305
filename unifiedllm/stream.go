package unifiedllm

import "context"

// CollectStream drains a stream and returns the final message carried by its
// message_stop event. A stream that closes without one is a StreamErrorType.
func CollectStream(ctx context.Context, ch <-chan StreamEvent) (*Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, &AbortError{SDKError: SDKError{Message: "stream abandoned", Cause: ctx.Err()}}
		case ev, ok := <-ch:
			if !ok {
				return nil, &StreamErrorType{SDKError: SDKError{Message: "stream ended before message_stop"}}
			}
			switch ev.Type {
			case StreamError:
				return nil, ev.Error
			case MessageStop:
				if ev.Response == nil {
					return nil, &StreamErrorType{SDKError: SDKError{Message: "message_stop without a final message"}}
				}
				return ev.Response, nil
			}
		}
	}
}

// send delivers ev unless ctx is done first. Producers stop when it
// returns false.
func send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

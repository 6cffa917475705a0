// Package camcore implements the data-plane core of a simulated camera
// device: per-session buffer handle caching, depth-bounded request
// admission, a staged capture pipeline and a paced capture scheduler
// that synthesizes frame content against latched per-frame settings.
//
// The package is the session facade; the heavy lifting lives in the
// subpackages: stream (stream/buffer model), metadata (settings
// snapshots), cache (handle identity cache), tracker (admission and
// completion), pipeline (request transform, process block, result
// transform) and sensor (the capture scheduler and synthesizer).
//
// # Getting Started
//
// Create a session with a callback, configure streams, then submit
// capture requests:
//
//	session, err := camcore.NewSession(camcore.Options{
//	    Callback: myCallback,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	halStreams, err := session.ConfigureStreams(stream.Config{
//	    Streams: []stream.Stream{
//	        {ID: 0, Format: stream.FormatYUV420, Width: 1920, Height: 1080,
//	            GroupID: stream.UngroupedID},
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = session.ProcessCaptureRequest(&pipeline.CaptureRequest{
//	    FrameNumber:   1,
//	    Settings:      settings,
//	    OutputBuffers: []stream.Buffer{{StreamID: 0, BufferID: 7, Handle: h}},
//	})
//
// Results and notifications arrive on the callback: a shutter
// notification first, then a partial result when the device supports
// partial delivery, then the final result and the stream buffers. Each
// buffer returns to the caller exactly once.
//
// Sessions are independent: every session owns its cache, tracker and
// pipeline, and tearing one down never disturbs another.
package camcore

/*
Package bridge exposes programs over WebSockets. Every accepted WebSocket connection spawns one child process, CGI-style, and the connection's text frames are relayed to and from the child's standard streams, one frame per line.

Processes are scoped to the WebSocket connection--that is, if the connection dies for any reason, the process is terminated, and if the process exits, the connection is closed with a status derived from the exit code.

A session proceeds as follows:

1. The client opens a WebSocket connection. The request is described to the child through CGI environment variables (REMOTE_ADDR, QUERY_STRING, HTTP_*, ...).
2. The child is launched with stdin, stdout, and stderr connected to pipes.
3. Each text frame received is written to stdin as one line. Each line the child writes to stdout is sent as one text frame. Lines written to stderr are logged.
4. When either side finishes, the session drains: output already produced is flushed, the other side is told to stop, and a child that does not exit within the grace period is killed.

The child must flush stdout after every line it wants delivered promptly. Output sitting in the child's own buffers is invisible to the bridge.
*/
package bridge

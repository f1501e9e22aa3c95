// Package remote pushes artifacts to web servers that do not share a
// filesystem with the webfleet host. A Client holds one SSH connection
// per server; a Target mirrors the local staging tree into the
// server's live configuration tree over SFTP. The client also exposes
// a command runner so engine validation and reloads execute on the
// remote host.
package remote

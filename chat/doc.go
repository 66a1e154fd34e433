// Package chat contains the Twitch live chat recorder and its auto-orchestrator.
//
// It provides two entrypoints:
//   - StartTwitchChatRecorder: connects to Twitch IRC for TWITCH_CHANNEL and
//     persists messages into the chat_messages table, using both absolute and
//     relative (to stream start) timestamps.
//   - StartAutoChatRecorder: polls Twitch live status and automatically starts
//     the recorder when the channel goes live. While live, messages are stored
//     under a placeholder VOD id ("live-<unix>"). After the stream ends, the
//     placeholder is reconciled with the real published VOD so the recorded
//     messages attach to the VOD the tally pipeline will process.
//
// Credentials: the IRC client requires a bot username and an OAuth token with
// chat:read/chat:edit scopes. If TWITCH_OAUTH_TOKEN is not provided, the
// package reuses a stored token from the oauth_tokens table for provider
// "twitch".
package chat

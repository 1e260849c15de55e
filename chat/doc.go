// Package chat is the IRC front end of the bot.
//
// It joins IRC_CHANNELS on IRC_ADDRESS and answers two commands:
//   - !submit [username] [mode]: runs a score submission and relays its progress every
//     IRC_PROGRESS_EVERY computed scores, then the number of new scores stored.
//   - !recommend [username] [mode] [range]: replies with a beatmap link and mods whose
//     stored performance resembles the player's recent form.
//
// The username defaults to the sender's nick and the mode to osu. The connection uses
// IRC_USERNAME and IRC_PASSWORD; when either is empty the relay is not started.
package chat

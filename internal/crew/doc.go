// Package crew is the client for the managed crew execution API: inputs,
// kickoff, status and resume, all bearer-authenticated and without retries.
package crew

// Package session описывает сессию (звонок, беседу, конференцию) и ее автомат состояний.
//
//	Idle -> [Scheduling -> Scheduled] -> Joining -> Joined -> Establishing -> Established
//	любое активное -> Terminating -> Terminated
//	любое активное, кроме Terminating -> Failed
//
// Этап Scheduling есть только у конференции.
package session
